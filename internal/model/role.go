package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// Role is the viewer's relationship to a task or its owning project.
type Role string

const (
	RoleCreator          Role = "creator"
	RoleApprover         Role = "approver"
	RoleProjectOwner     Role = "project_owner"
	RoleProjectDBA       Role = "project_dba"
	RoleProjectDeveloper Role = "project_developer"
	RoleParticipant      Role = "participant"
)

var knownRoles = map[Role]bool{
	RoleCreator:          true,
	RoleApprover:         true,
	RoleProjectOwner:     true,
	RoleProjectDBA:       true,
	RoleProjectDeveloper: true,
	RoleParticipant:      true,
}

func IsKnownRole(r Role) bool {
	return knownRoles[r]
}

// RoleSet is an immutable-by-convention set of roles. The zero value is empty.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s RoleSet) Empty() bool {
	return len(s) == 0
}

func (s RoleSet) Intersects(other RoleSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

// Union returns a new set; neither operand is modified.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Sorted returns the roles in lexical order.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s RoleSet) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s.Sorted() {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

func (s RoleSet) MarshalYAML() (any, error) {
	return s.Sorted(), nil
}

func (s *RoleSet) UnmarshalYAML(unmarshal func(any) error) error {
	var roles []Role
	if err := unmarshal(&roles); err != nil {
		return err
	}
	*s = NewRoleSet(roles...)
	return nil
}

func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var roles []Role
	if err := json.Unmarshal(data, &roles); err != nil {
		return err
	}
	*s = NewRoleSet(roles...)
	return nil
}
