package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"

	"github.com/cyp0633/calcore/apperr"
)

// WhoType names the class of principal an ACE applies to.
type WhoType int

const (
	WhoUser WhoType = iota
	WhoGroup
	WhoOwner
	WhoAuthenticated
	WhoUnauthenticated
	WhoAll
	// WhoOther is everybody except the owner.
	WhoOther
)

func (w WhoType) String() string {
	switch w {
	case WhoUser:
		return "user"
	case WhoGroup:
		return "group"
	case WhoOwner:
		return "owner"
	case WhoAuthenticated:
		return "authenticated"
	case WhoUnauthenticated:
		return "unauthenticated"
	case WhoAll:
		return "all"
	case WhoOther:
		return "other"
	default:
		return "unknown"
	}
}

// GroupPrefix marks group principal hrefs.
const GroupPrefix = "/principals/groups/"

// Who identifies the subject of an ACE. Href is set for users and groups.
type Who struct {
	Type WhoType
	Href string
}

// User returns a Who for a principal href, classifying groups by prefix.
func User(href string) Who {
	if strings.HasPrefix(href, GroupPrefix) {
		return Who{Type: WhoGroup, Href: href}
	}
	return Who{Type: WhoUser, Href: href}
}

func (w Who) key() string {
	return w.Type.String() + ":" + w.Href
}

func (w Who) String() string {
	if w.Href != "" {
		return w.Href
	}
	return w.Type.String()
}

// Ace is one access-control entry.
type Ace struct {
	Who   Who
	Privs PrivilegeSet
	// Inherited is the path the entry was merged from; empty for entries
	// defined on the entity itself.
	Inherited string
}

// Acl is an ordered list of entries, at most one per Who.
type Acl struct {
	Aces []Ace
}

// Find returns the entry for who.
func (a *Acl) Find(who Who) (*Ace, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Aces {
		if a.Aces[i].Who.key() == who.key() {
			return &a.Aces[i], true
		}
	}
	return nil, false
}

// Set replaces (or appends) the entry for who.
func (a *Acl) Set(who Who, privs PrivilegeSet) {
	if ace, ok := a.Find(who); ok {
		ace.Privs = privs
		ace.Inherited = ""
		return
	}
	a.Aces = append(a.Aces, Ace{Who: who, Privs: privs})
}

// Remove drops the entry for who.
func (a *Acl) Remove(who Who) {
	out := a.Aces[:0]
	for _, ace := range a.Aces {
		if ace.Who.key() != who.key() {
			out = append(out, ace)
		}
	}
	a.Aces = out
}

// Level is one ACL along an inheritance chain.
type Level struct {
	Path string
	Acl  *Acl
}

// Merge folds levels root first, leaf last. For every (who, privilege) pair
// the last level that specifies it wins.
func Merge(levels ...Level) *Acl {
	merged := &Acl{}
	for i, lvl := range levels {
		if lvl.Acl == nil {
			continue
		}
		leaf := i == len(levels)-1
		for _, ace := range lvl.Acl.Aces {
			existing, ok := merged.Find(ace.Who)
			if !ok {
				merged.Aces = append(merged.Aces, Ace{Who: ace.Who})
				existing = &merged.Aces[len(merged.Aces)-1]
			}
			existing.Privs = existing.Privs.Overlay(ace.Privs)
			if leaf {
				existing.Inherited = ""
			} else {
				existing.Inherited = lvl.Path
			}
		}
	}
	return merged
}

var errMalformed = errors.New("malformed acl")

// DecodeACL parses the stored XML form. An empty string is an empty ACL.
func DecodeACL(s string) (*Acl, error) {
	acl := &Acl{}
	if strings.TrimSpace(s) == "" {
		return acl, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(s); err != nil {
		return nil, apperr.Config(err, "cannot parse acl")
	}
	root := doc.Root()
	if root == nil || root.Tag != "acl" {
		return nil, apperr.Config(errMalformed, "acl root element missing")
	}
	for _, aceElem := range root.SelectElements("ace") {
		ace, err := decodeAce(aceElem)
		if err != nil {
			return nil, apperr.Config(err, "cannot decode ace")
		}
		if existing, ok := acl.Find(ace.Who); ok {
			existing.Privs = existing.Privs.Overlay(ace.Privs)
			continue
		}
		acl.Aces = append(acl.Aces, ace)
	}
	return acl, nil
}

func decodeAce(elem *etree.Element) (Ace, error) {
	var ace Ace
	principal := elem.SelectElement("principal")
	if principal == nil {
		return ace, fmt.Errorf("%w: ace without principal", errMalformed)
	}
	who, err := decodeWho(principal)
	if err != nil {
		return ace, err
	}
	ace.Who = who

	type decision struct {
		priv  Privilege
		allow bool
	}
	var decisions []decision
	for _, mode := range []string{"grant", "deny"} {
		for _, holder := range elem.SelectElements(mode) {
			for _, privElem := range holder.SelectElements("privilege") {
				children := privElem.ChildElements()
				if len(children) != 1 {
					return ace, fmt.Errorf("%w: privilege must name exactly one privilege", errMalformed)
				}
				p := ParsePrivilege(children[0].Tag)
				if p == PrivNone || p == PrivAny {
					return ace, fmt.Errorf("%w: unknown privilege %q", errMalformed, children[0].Tag)
				}
				decisions = append(decisions, decision{priv: p, allow: mode == "grant"})
			}
		}
	}
	// Aggregates before their members so narrower decisions survive.
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].priv.depth() < decisions[j].priv.depth()
	})
	for _, d := range decisions {
		if d.allow {
			ace.Privs.Grant(d.priv)
		} else {
			ace.Privs.Deny(d.priv)
		}
	}
	if inh := elem.SelectElement("inherited"); inh != nil {
		if href := inh.SelectElement("href"); href != nil {
			ace.Inherited = strings.TrimSpace(href.Text())
		}
	}
	return ace, nil
}

func decodeWho(principal *etree.Element) (Who, error) {
	if href := principal.SelectElement("href"); href != nil {
		h := strings.TrimSpace(href.Text())
		if h == "" {
			return Who{}, fmt.Errorf("%w: empty principal href", errMalformed)
		}
		return User(h), nil
	}
	switch {
	case principal.SelectElement("all") != nil:
		return Who{Type: WhoAll}, nil
	case principal.SelectElement("authenticated") != nil:
		return Who{Type: WhoAuthenticated}, nil
	case principal.SelectElement("unauthenticated") != nil:
		return Who{Type: WhoUnauthenticated}, nil
	case principal.FindElement("property/owner") != nil:
		return Who{Type: WhoOwner}, nil
	case principal.FindElement("invert/property/owner") != nil:
		return Who{Type: WhoOther}, nil
	}
	return Who{}, fmt.Errorf("%w: unrecognised principal", errMalformed)
}

// Encode renders the ACL in the stored XML form.
func (a *Acl) Encode() string {
	doc := etree.NewDocument()
	root := doc.CreateElement("acl")
	for _, ace := range a.Aces {
		aceElem := root.CreateElement("ace")
		principal := aceElem.CreateElement("principal")
		switch ace.Who.Type {
		case WhoUser, WhoGroup:
			principal.CreateElement("href").SetText(ace.Who.Href)
		case WhoOwner:
			principal.CreateElement("property").CreateElement("owner")
		case WhoOther:
			principal.CreateElement("invert").CreateElement("property").CreateElement("owner")
		default:
			principal.CreateElement(ace.Who.Type.String())
		}

		grant, deny := ace.Privs.decisions()
		writePrivs(aceElem, "grant", grant)
		writePrivs(aceElem, "deny", deny)

		if ace.Inherited != "" {
			aceElem.CreateElement("inherited").CreateElement("href").SetText(ace.Inherited)
		}
	}
	out, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}

func writePrivs(aceElem *etree.Element, mode string, privs []Privilege) {
	if len(privs) == 0 {
		return
	}
	holder := aceElem.CreateElement(mode)
	for _, p := range privs {
		holder.CreateElement("privilege").CreateElement(p.String())
	}
}
