package cluster

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrUnknownMember is returned when an id is not part of the membership.
var ErrUnknownMember = errors.New("unknown member")

// Membership is the fixed, sorted participant set of a session.
type Membership struct {
	members []Member
}

// NewMembership validates members and sorts them by id. Ids must be
// non-empty, unique and free of '/', which the document uses as a path
// separator.
func NewMembership(members []Member) (Membership, error) {
	if len(members) == 0 {
		return Membership{}, errors.New("membership is empty")
	}
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	for i, m := range sorted {
		if m.ID == "" {
			return Membership{}, errors.New("member id is empty")
		}
		if strings.Contains(m.ID, "/") {
			return Membership{}, fmt.Errorf("member id %q contains '/'", m.ID)
		}
		if i > 0 && sorted[i-1].ID == m.ID {
			return Membership{}, fmt.Errorf("duplicate member id %q", m.ID)
		}
	}
	return Membership{members: sorted}, nil
}

// ParseMember parses "id=addr".
func ParseMember(s string) (Member, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || id == "" || addr == "" {
		return Member{}, fmt.Errorf("member %q: want id=addr", s)
	}
	return Member{ID: id, Addr: addr}, nil
}

// Members returns all members sorted by id.
func (m Membership) Members() []Member { return slices.Clone(m.members) }

// IDs returns all member ids in sorted order.
func (m Membership) IDs() []string {
	ids := make([]string, len(m.members))
	for i, mem := range m.members {
		ids[i] = mem.ID
	}
	return ids
}

// Len returns the number of members.
func (m Membership) Len() int { return len(m.members) }

// Lookup returns the member with the given id.
func (m Membership) Lookup(id string) (Member, error) {
	i, found := slices.BinarySearchFunc(m.members, id, func(mem Member, id string) int {
		return strings.Compare(mem.ID, id)
	})
	if !found {
		return Member{}, fmt.Errorf("%w: %q", ErrUnknownMember, id)
	}
	return m.members[i], nil
}

// Others returns every member except id, in sorted order.
func (m Membership) Others(id string) []Member {
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		if mem.ID != id {
			out = append(out, mem)
		}
	}
	return out
}
