package model

import (
	"fmt"
	"time"
)

// Mode distinguishes where the action list is rendered.
type Mode string

const (
	ModeListRow Mode = "list_row"
	ModeDetail  Mode = "detail"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeListRow, ModeDetail:
		return Mode(s), nil
	case "":
		return ModeListRow, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Features are server-side switches that gate some actions.
type Features struct {
	ResultSetDownload bool `yaml:"result_set_download" json:"result_set_download"`
	QueryResultView   bool `yaml:"query_result_view" json:"query_result_view"`
}

// ViewingContext is who is looking at a task and from where. It is passed
// explicitly on every resolution; nothing is read from ambient state.
type ViewingContext struct {
	ViewerID     string   `json:"viewer_id"`
	ProjectRoles RoleSet  `json:"project_roles,omitempty"`
	Approver     bool     `json:"approver,omitempty"`
	Mode         Mode     `json:"mode"`
	PrivateSpace bool     `json:"private_space,omitempty"`
	Desktop      bool     `json:"desktop,omitempty"`
	Features     Features `json:"features"`
	// Now is the instant used by time-based predicates.
	Now time.Time `json:"now"`
}

// EffectiveRoles combines project roles with the roles implied by the task:
// creator when the viewer created it, approver when the viewer is a
// candidate approver.
func (c ViewingContext) EffectiveRoles(t *Task) RoleSet {
	out := c.ProjectRoles.Union(nil)
	if c.ViewerID != "" && t != nil && t.Creator.ID == c.ViewerID {
		out[RoleCreator] = struct{}{}
	}
	if c.Approver {
		out[RoleApprover] = struct{}{}
	}
	return out
}

// WithMode returns a copy of c rendered in mode m.
func (c ViewingContext) WithMode(m Mode) ViewingContext {
	c.Mode = m
	return c
}
