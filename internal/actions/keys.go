// Package actions computes which task actions a viewer may use, from static
// status tables, per-action descriptors, and the viewer's roles.
package actions

import "fmt"

// Key identifies an action. The set is closed.
type Key string

const (
	KeyStop                Key = "stop"
	KeyRollback            Key = "rollback"
	KeyExecute             Key = "execute"
	KeyPass                Key = "pass"
	KeyReject              Key = "reject"
	KeyAgain               Key = "again"
	KeyDownload            Key = "download"
	KeyDownloadSQL         Key = "download_sql"
	KeyStructureComparison Key = "structure_comparison"
	KeyOpenLocalFolder     Key = "open_local_folder"
	KeyDownloadViewResult  Key = "download_view_result"
	KeyViewResult          Key = "view_result"
	KeyView                Key = "view"
	KeyClone               Key = "clone"
	KeyShare               Key = "share"
	KeyEdit                Key = "edit"
	KeyPause               Key = "pause"
	KeyResume              Key = "resume"
	// KeyClose belongs to the detail panel chrome and has no descriptor.
	KeyClose Key = "close"
)

var knownKeys = map[Key]bool{
	KeyStop:                true,
	KeyRollback:            true,
	KeyExecute:             true,
	KeyPass:                true,
	KeyReject:              true,
	KeyAgain:               true,
	KeyDownload:            true,
	KeyDownloadSQL:         true,
	KeyStructureComparison: true,
	KeyOpenLocalFolder:     true,
	KeyDownloadViewResult:  true,
	KeyViewResult:          true,
	KeyView:                true,
	KeyClone:               true,
	KeyShare:               true,
	KeyEdit:                true,
	KeyPause:               true,
	KeyResume:              true,
	KeyClose:               true,
}

func IsKnownKey(k Key) bool {
	return knownKeys[k]
}

func ParseKey(s string) (Key, error) {
	k := Key(s)
	if !knownKeys[k] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return k, nil
}

// Action is one resolved entry of an action list.
type Action struct {
	Key      Key    `json:"key"`
	Label    string `json:"label"`
	Icon     bool   `json:"icon,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Tooltip  string `json:"tooltip,omitempty"`
}

// Keys returns the keys of list in order.
func Keys(list []Action) []Key {
	out := make([]Key, len(list))
	for i, a := range list {
		out[i] = a.Key
	}
	return out
}

// Find returns the action with key k, if present.
func Find(list []Action, k Key) (Action, bool) {
	for _, a := range list {
		if a.Key == k {
			return a, true
		}
	}
	return Action{}, false
}
