// Package access evaluates and merges access-control lists over the
// collection tree.
package access

import (
	"strings"
)

// Privilege is a node of the WebDAV/CalDAV privilege tree.
type Privilege int

const (
	PrivAll Privilege = iota
	PrivRead
	PrivReadACL
	PrivReadCurrentUserPrivilegeSet
	PrivReadFreeBusy
	PrivWrite
	PrivWriteACL
	PrivWriteProperties
	PrivWriteContent
	PrivBind
	PrivScheduleDeliver
	PrivUnbind
	PrivScheduleSend
	PrivUnlock

	numPrivileges

	// PrivAny asks whether any privilege at all is granted.
	PrivAny Privilege = -1
	// PrivNone is the result of parsing an unknown name.
	PrivNone Privilege = -2
)

var privNames = [numPrivileges]string{
	PrivAll:                         "all",
	PrivRead:                        "read",
	PrivReadACL:                     "read-acl",
	PrivReadCurrentUserPrivilegeSet: "read-current-user-privilege-set",
	PrivReadFreeBusy:                "read-free-busy",
	PrivWrite:                       "write",
	PrivWriteACL:                    "write-acl",
	PrivWriteProperties:             "write-properties",
	PrivWriteContent:                "write-content",
	PrivBind:                        "bind",
	PrivScheduleDeliver:             "schedule-deliver",
	PrivUnbind:                      "unbind",
	PrivScheduleSend:                "schedule-send",
	PrivUnlock:                      "unlock",
}

// parent of each node; PrivAll is the root.
var privParent = [numPrivileges]Privilege{
	PrivAll:                         PrivNone,
	PrivRead:                        PrivAll,
	PrivReadACL:                     PrivRead,
	PrivReadCurrentUserPrivilegeSet: PrivRead,
	PrivReadFreeBusy:                PrivRead,
	PrivWrite:                       PrivAll,
	PrivWriteACL:                    PrivWrite,
	PrivWriteProperties:             PrivWrite,
	PrivWriteContent:                PrivWrite,
	PrivBind:                        PrivWrite,
	PrivScheduleDeliver:             PrivBind,
	PrivUnbind:                      PrivWrite,
	PrivScheduleSend:                PrivWrite,
	PrivUnlock:                      PrivAll,
}

func (p Privilege) String() string {
	switch {
	case p == PrivAny:
		return "any"
	case p >= 0 && p < numPrivileges:
		return privNames[p]
	default:
		return "none"
	}
}

// ParsePrivilege maps a DAV privilege name to a Privilege, PrivNone when the
// name is unknown.
func ParsePrivilege(name string) Privilege {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "any" {
		return PrivAny
	}
	for i, n := range privNames {
		if n == name {
			return Privilege(i)
		}
	}
	return PrivNone
}

// Contains reports whether q is p or lies beneath it.
func (p Privilege) Contains(q Privilege) bool {
	if q < 0 || q >= numPrivileges {
		return false
	}
	for ; q != PrivNone; q = privParent[q] {
		if q == p {
			return true
		}
	}
	return false
}

func (p Privilege) depth() int {
	d := 0
	for q := privParent[p]; q != PrivNone; q = privParent[q] {
		d++
	}
	return d
}

type tri int8

const (
	unspecified tri = iota
	denied
	allowed
)

// PrivilegeSet holds a tri-state (unspecified, denied, allowed) per node.
type PrivilegeSet [numPrivileges]tri

// FullSet grants every privilege.
func FullSet() PrivilegeSet {
	var s PrivilegeSet
	s.Grant(PrivAll)
	return s
}

// NewSet grants the listed privileges.
func NewSet(privs ...Privilege) PrivilegeSet {
	var s PrivilegeSet
	for _, p := range privs {
		s.Grant(p)
	}
	return s
}

func (s *PrivilegeSet) set(p Privilege, v tri) {
	for i := Privilege(0); i < numPrivileges; i++ {
		if p.Contains(i) {
			s[i] = v
		}
	}
}

// Grant allows p and everything it aggregates.
func (s *PrivilegeSet) Grant(p Privilege) { s.set(p, allowed) }

// Deny denies p and everything it aggregates.
func (s *PrivilegeSet) Deny(p Privilege) { s.set(p, denied) }

// Specified reports whether p carries an explicit decision.
func (s PrivilegeSet) Specified(p Privilege) bool { return s[p] != unspecified }

// IsEmpty reports whether nothing is specified.
func (s PrivilegeSet) IsEmpty() bool {
	for _, v := range s {
		if v != unspecified {
			return false
		}
	}
	return true
}

// Overlay returns s with every specified entry of top applied over it.
func (s PrivilegeSet) Overlay(top PrivilegeSet) PrivilegeSet {
	for i, v := range top {
		if v != unspecified {
			s[i] = v
		}
	}
	return s
}

// Intersect caps s by ceiling: anything the ceiling does not allow is denied.
func (s PrivilegeSet) Intersect(ceiling PrivilegeSet) PrivilegeSet {
	for i := range s {
		if ceiling[i] != allowed && s[i] == allowed {
			s[i] = denied
		}
	}
	return s
}

// Resolve turns unspecified entries into a decision.
func (s PrivilegeSet) Resolve(defaultAllow bool) PrivilegeSet {
	def := denied
	if defaultAllow {
		def = allowed
	}
	for i, v := range s {
		if v == unspecified {
			s[i] = def
		}
	}
	return s
}

// Allows reports whether p and everything it aggregates is allowed.
func (s PrivilegeSet) Allows(p Privilege) bool {
	if p == PrivAny {
		return s.AllowsAny()
	}
	if p < 0 || p >= numPrivileges {
		return false
	}
	for i := Privilege(0); i < numPrivileges; i++ {
		if p.Contains(i) && s[i] != allowed {
			return false
		}
	}
	return true
}

// AllowsAny reports whether at least one privilege is allowed.
func (s PrivilegeSet) AllowsAny() bool {
	for _, v := range s {
		if v == allowed {
			return true
		}
	}
	return false
}

// Names lists the allowed privileges, aggregates first, in the form used by
// current-user-privilege-set. Children of a listed aggregate are omitted.
func (s PrivilegeSet) Names() []string {
	var out []string
	for i := Privilege(0); i < numPrivileges; i++ {
		if !s.Allows(i) {
			continue
		}
		if par := privParent[i]; par != PrivNone && s.Allows(par) {
			continue
		}
		out = append(out, privNames[i])
	}
	return out
}

// decisions lists the compact explicit entries: a node is listed when it is
// specified and differs from its parent.
func (s PrivilegeSet) decisions() (grant, deny []Privilege) {
	for i := Privilege(0); i < numPrivileges; i++ {
		if s[i] == unspecified {
			continue
		}
		if par := privParent[i]; par != PrivNone && s[par] == s[i] {
			continue
		}
		if s[i] == allowed {
			grant = append(grant, i)
		} else {
			deny = append(deny, i)
		}
	}
	return grant, deny
}

// Union combines two sets: allowed in either wins, then denied, then
// unspecified.
func (s PrivilegeSet) Union(o PrivilegeSet) PrivilegeSet {
	for i, v := range o {
		if v == allowed || s[i] == unspecified {
			s[i] = v
		}
	}
	return s
}
