package storage

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// LastmodLayout is the UTC timestamp layout used in lastmod records and sync
// tokens.
const LastmodLayout = "20060102T150405Z"

// Lastmod is the {timestamp, sequence} change marker carried by every
// collection and event.
type Lastmod struct {
	Timestamp string
	Sequence  int
}

// NewLastmod returns a lastmod stamped at now.
func NewLastmod(now time.Time) Lastmod {
	return Lastmod{Timestamp: now.UTC().Format(LastmodLayout)}
}

// Touch advances the lastmod. A clock that has not moved past the stored
// timestamp bumps the sequence instead, so tags never go backwards.
func (l *Lastmod) Touch(now time.Time) {
	ts := now.UTC().Format(LastmodLayout)
	if ts <= l.Timestamp {
		l.Sequence++
		return
	}
	l.Timestamp = ts
	l.Sequence = 0
}

// Tag renders the lastmod as an opaque, string-ordered token.
func (l Lastmod) Tag() string {
	if l.Timestamp == "" {
		return ""
	}
	return fmt.Sprintf("%s-%06X", l.Timestamp, l.Sequence)
}

// Time parses the timestamp part.
func (l Lastmod) Time() time.Time {
	t, err := time.Parse(LastmodLayout, l.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsZero reports whether the record was never stamped.
func (l Lastmod) IsZero() bool { return l.Timestamp == "" }

// Less orders lastmods by tag.
func (l Lastmod) Less(o Lastmod) bool { return l.Tag() < o.Tag() }

// Clock issues lastmods that strictly increase across every record it
// stamps, so a mutation anywhere in a subtree lifts the subtree's maximum.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last Lastmod
}

// NewClock returns a clock reading now; nil means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a lastmod greater than every lastmod issued before and than
// prev.
func (c *Clock) Next(prev Lastmod) Lastmod {
	c.mu.Lock()
	defer c.mu.Unlock()
	floor := c.last
	if floor.Less(prev) {
		floor = prev
	}
	next := floor
	next.Touch(c.now())
	c.last = next
	return next
}

// CalType is the kind of a collection.
type CalType int

const (
	CalTypeFolder CalType = iota
	CalTypeCalendar
	CalTypeTasks
	CalTypePoll
	CalTypeInbox
	CalTypeOutbox
	CalTypePendingInbox
	CalTypeNotifications
	CalTypeAttachments
	CalTypeAlias
	CalTypeExtSub
	CalTypeResourceCollection
)

// String provides a human-readable representation of the CalType.
func (ct CalType) String() string {
	switch ct {
	case CalTypeFolder:
		return "folder"
	case CalTypeCalendar:
		return "calendar"
	case CalTypeTasks:
		return "tasks"
	case CalTypePoll:
		return "poll"
	case CalTypeInbox:
		return "inbox"
	case CalTypeOutbox:
		return "outbox"
	case CalTypePendingInbox:
		return "pending-inbox"
	case CalTypeNotifications:
		return "notifications"
	case CalTypeAttachments:
		return "attachments"
	case CalTypeAlias:
		return "alias"
	case CalTypeExtSub:
		return "external-subscription"
	case CalTypeResourceCollection:
		return "resource-collection"
	default:
		return "unknown"
	}
}

// IsCalendarCollection reports whether collections of this type hold
// calendar resources directly (CalDAV calendar collections).
func (ct CalType) IsCalendarCollection() bool {
	switch ct {
	case CalTypeCalendar, CalTypeTasks, CalTypePoll, CalTypeInbox,
		CalTypeOutbox, CalTypePendingInbox, CalTypeExtSub:
		return true
	}
	return false
}

// IsSpecial reports whether the type is provisioned by the engine rather
// than created by users.
func (ct CalType) IsSpecial() bool {
	switch ct {
	case CalTypeInbox, CalTypeOutbox, CalTypePendingInbox,
		CalTypeNotifications, CalTypeAttachments:
		return true
	}
	return false
}

// RequiresUniqueUID reports whether events in the collection must have
// distinct UIDs and names. Scheduling mailboxes legitimately hold several
// messages for the same UID.
func (ct CalType) RequiresUniqueUID() bool {
	switch ct {
	case CalTypeCalendar, CalTypeTasks, CalTypePoll:
		return true
	}
	return false
}

// CanContainCollections reports whether child collections may be created
// inside a collection of this type.
func (ct CalType) CanContainCollections() bool {
	return ct == CalTypeFolder
}

// Collection is a node of the calendar hierarchy.
type Collection struct {
	Path       string
	ParentPath string
	Name       string
	Owner      string
	Creator    string
	Type       CalType

	Summary     string
	Description string
	Color       string

	// ACL is the encoded access-control list; empty means "inherit only".
	ACL    string
	Public bool

	Lastmod Lastmod
	Created time.Time

	// AliasPath is the internal target path of an alias collection.
	AliasPath string
	// ExternalURL is the feed of an external subscription.
	ExternalURL string

	Disabled   bool
	Tombstoned bool
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// IsAlias reports whether the collection references another one.
func (c *Collection) IsAlias() bool {
	return c.Type == CalTypeAlias
}

// Tombstone strips the collection down to identity and lastmod.
func (c *Collection) Tombstone() {
	c.Summary = ""
	c.Description = ""
	c.Color = ""
	c.AliasPath = ""
	c.ExternalURL = ""
	c.Tombstoned = true
}

// EntityType is the kind of a calendar entity.
type EntityType int

const (
	EntityEvent EntityType = iota
	EntityTodo
	EntityJournal
	EntityFreeBusy
	EntityAvailability
)

// String provides the iCalendar component name of the entity type.
func (et EntityType) String() string {
	switch et {
	case EntityEvent:
		return "VEVENT"
	case EntityTodo:
		return "VTODO"
	case EntityJournal:
		return "VJOURNAL"
	case EntityFreeBusy:
		return "VFREEBUSY"
	case EntityAvailability:
		return "VAVAILABILITY"
	default:
		return "UNKNOWN"
	}
}

// Status values.
const (
	StatusTentative = "TENTATIVE"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
)

// Transparency values.
const (
	TranspOpaque      = "OPAQUE"
	TranspTransparent = "TRANSPARENT"
)

// Free-busy types.
const (
	FBTypeFree            = "FREE"
	FBTypeBusy            = "BUSY"
	FBTypeBusyTentative   = "BUSY-TENTATIVE"
	FBTypeBusyUnavailable = "BUSY-UNAVAILABLE"
)

// Attendee is an ATTENDEE of an event.
type Attendee struct {
	Address  string
	PartStat string
	Role     string
	// Transparency overrides the event transparency for this attendee.
	Transparency string
}

// Alarm is a VALARM.
type Alarm struct {
	Action      string
	Trigger     string
	Description string
}

// Period is a typed time span.
type Period struct {
	Start time.Time
	End   time.Time
	Type  string
}

// Event is a calendar entity: an event, task, journal, free-busy or
// availability component. A master carries the recurrence rules; an override
// has a RecurrenceID and shares UID, Name and ColPath with its master.
type Event struct {
	Name       string
	UID        string
	ColPath    string
	EntityType EntityType

	Owner   string
	Creator string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	Status       string
	Transparency string

	Attendees  []Attendee
	Categories []string
	Comments   []string
	Resources  []string
	Alarms     []Alarm

	Recurring    bool
	RRules       []string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID string

	FreeBusy []Period

	Sequence   int
	Suppressed bool
	Tombstoned bool

	Lastmod Lastmod
	Created time.Time
}

// Href is the resource path of the event (shared by master and overrides).
func (e *Event) Href() string {
	return Join(e.ColPath, e.Name)
}

// Key identifies the stored row: overrides are distinguished from their
// master by recurrence id.
func (e *Event) Key() string {
	if e.RecurrenceID == "" {
		return e.Href()
	}
	return e.Href() + "#" + e.RecurrenceID
}

// IsOverride reports whether the event is a per-instance override.
func (e *Event) IsOverride() bool {
	return e.RecurrenceID != ""
}

// Duration is End-Start, never negative.
func (e *Event) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// TransparencyFor returns the effective transparency for principal, taking a
// per-attendee setting into account.
func (e *Event) TransparencyFor(principal string) string {
	for _, a := range e.Attendees {
		if a.Address == principal && a.Transparency != "" {
			return a.Transparency
		}
	}
	if e.Transparency == "" {
		return TranspOpaque
	}
	return e.Transparency
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Attendees = slices.Clone(e.Attendees)
	cp.Categories = slices.Clone(e.Categories)
	cp.Comments = slices.Clone(e.Comments)
	cp.Resources = slices.Clone(e.Resources)
	cp.Alarms = slices.Clone(e.Alarms)
	cp.RRules = slices.Clone(e.RRules)
	cp.RDates = slices.Clone(e.RDates)
	cp.ExDates = slices.Clone(e.ExDates)
	cp.FreeBusy = slices.Clone(e.FreeBusy)
	return &cp
}

// Tombstone clears every collection-valued field and the descriptive text.
// Start, End, Name and UID survive so sync clients can still identify the
// entity.
func (e *Event) Tombstone() {
	e.Attendees = nil
	e.Categories = nil
	e.Comments = nil
	e.Resources = nil
	e.Alarms = nil
	e.RRules = nil
	e.RDates = nil
	e.ExDates = nil
	e.FreeBusy = nil
	e.Summary = ""
	e.Description = ""
	e.Location = ""
	e.Recurring = false
	e.Tombstoned = true
}

// SynchInfo answers "has this path changed since token".
type SynchInfo struct {
	Exists  bool
	Changed bool
	Token   string
}

// PurgeResult lists what a tombstone purge removed.
type PurgeResult struct {
	Collections []string
	Events      []string
}
