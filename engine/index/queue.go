package index

import (
	"context"
	"fmt"
)

type queueKey struct {
	docType DocType
	href    string
}

// Pending is one queued index write.
type Pending struct {
	Doc      Doc
	Unindex  bool
	ForTouch bool
}

// Queue is a per-session write-ahead queue of index writes: an ordered map
// keyed by (doc type, href) where a later write replaces an earlier one but
// keeps its position.
type Queue struct {
	order   []queueKey
	entries map[queueKey]*Pending
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[queueKey]*Pending)}
}

func (q *Queue) put(k queueKey, p *Pending) {
	if _, ok := q.entries[k]; !ok {
		q.order = append(q.order, k)
	}
	q.entries[k] = p
}

// Index queues doc. A touch never downgrades a pending full write.
func (q *Queue) Index(doc Doc, forTouch bool) {
	k := queueKey{doc.Type, doc.Href}
	if prev, ok := q.entries[k]; ok && forTouch && !prev.ForTouch && !prev.Unindex {
		forTouch = false
	}
	q.put(k, &Pending{Doc: doc, ForTouch: forTouch})
}

// Unindex queues removal of a document.
func (q *Queue) Unindex(docType DocType, href string) {
	k := queueKey{docType, href}
	q.put(k, &Pending{Doc: Doc{Type: docType, Href: href}, Unindex: true})
}

// Entries returns the queued writes in order.
func (q *Queue) Entries() []Pending {
	out := make([]Pending, 0, len(q.order))
	for _, k := range q.order {
		out = append(out, *q.entries[k])
	}
	return out
}

// Lookup returns the pending write for a document.
func (q *Queue) Lookup(docType DocType, href string) (Pending, bool) {
	p, ok := q.entries[queueKey{docType, href}]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Len is the number of queued writes.
func (q *Queue) Len() int { return len(q.order) }

// Discard drops every queued write.
func (q *Queue) Discard() {
	q.order = nil
	q.entries = make(map[queueKey]*Pending)
}

// Flush sends the queue to ix in order and empties it. Only the last write
// waits for visibility. On error the unsent writes stay queued.
func (q *Queue) Flush(ctx context.Context, ix Indexer) error {
	for i, k := range q.order {
		p := q.entries[k]
		var err error
		if p.Unindex {
			err = ix.UnindexEntity(ctx, k.docType, k.href)
		} else {
			err = ix.IndexEntity(ctx, p.Doc, i == len(q.order)-1, p.ForTouch)
		}
		if err != nil {
			for _, done := range q.order[:i] {
				delete(q.entries, done)
			}
			q.order = q.order[i:]
			return fmt.Errorf("index %s %s: %w", k.docType, k.href, err)
		}
	}
	q.Discard()
	return nil
}
