package actions

import (
	"fmt"
	"time"

	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/permission"
)

// Descriptor decides whether one action is shown and whether it is enabled.
// Visible and Disabled must not panic on missing task fields; an absent value
// takes the hide or disable branch.
type Descriptor struct {
	Key   Key
	Label string
	// Icon actions render in the overflow menu of a list row.
	Icon bool
	// AllowKinds restricts the action to these task kinds; nil allows all.
	AllowKinds []model.TaskKind
	Visible    func(p permission.Checker, t *model.Task, c *model.ViewingContext) bool
	Disabled   func(t *model.Task, c *model.ViewingContext) (bool, string)
}

func (d *Descriptor) allows(k model.TaskKind) bool {
	if d.AllowKinds == nil {
		return true
	}
	for _, ak := range d.AllowKinds {
		if ak == k {
			return true
		}
	}
	return false
}

// DescriptorSet is the registry of descriptors by key.
type DescriptorSet struct {
	byKey     map[Key]*Descriptor
	retention time.Duration
}

func (s *DescriptorSet) Get(k Key) (*Descriptor, bool) {
	d, ok := s.byKey[k]
	return d, ok
}

// Retention is how long a produced file stays downloadable.
func (s *DescriptorSet) Retention() time.Duration {
	return s.retention
}

const (
	tooltipExpired        = "The file has expired; files are kept for %d days"
	tooltipNoCompleteTime = "The completion time of this task is unknown"
	tooltipScheduled      = "Scheduled to execute at %s"
	tooltipNoSchedule     = "The execution time of this task is not set"
	tooltipPolicies       = "Set all required partition policies before approving"
)

var (
	rollbackKinds   = []model.TaskKind{model.KindAsync, model.KindMultipleAsync}
	downloadKinds   = []model.TaskKind{model.KindExport, model.KindExportResultSet, model.KindMockData}
	localFileKinds  = []model.TaskKind{model.KindExport, model.KindExportResultSet}
	queryResultKind = []model.TaskKind{model.KindAsync}
	cyclicOnly      = []model.TaskKind{model.KindSQLPlan, model.KindDataArchive, model.KindDataDelete, model.KindAlterSchedule}
	cloneKinds      = []model.TaskKind{
		model.KindAsync,
		model.KindMultipleAsync,
		model.KindExport,
		model.KindExportResultSet,
		model.KindMockData,
		model.KindPartitionPlan,
		model.KindSQLPlan,
		model.KindDataArchive,
		model.KindDataDelete,
		model.KindShadowTableSync,
		model.KindStructureComparison,
		model.KindOnlineSchemaChange,
		model.KindLogicalDatabaseChange,
		model.KindApplyProjectPermission,
		model.KindApplyDatabasePermission,
		model.KindApplyTablePermission,
	}
)

// NewDescriptorSet builds the built-in descriptors. retention <= 0 uses the
// default of 14 days.
func NewDescriptorSet(retention time.Duration) *DescriptorSet {
	if retention <= 0 {
		retention = model.DefaultRetentionDays * 24 * time.Hour
	}
	s := &DescriptorSet{byKey: make(map[Key]*Descriptor), retention: retention}
	expired := s.expiredFunc()

	owners := func(p permission.Checker, _ *model.Task, _ *model.ViewingContext) bool {
		return p.Allow(permission.Owners, true)
	}
	anyone := func(p permission.Checker, _ *model.Task, _ *model.ViewingContext) bool {
		return p.Allow(permission.Anyone, true)
	}

	s.add(&Descriptor{Key: KeyView, Label: "View", Visible: anyone})
	s.add(&Descriptor{Key: KeyStop, Label: "Stop", Visible: owners})
	s.add(&Descriptor{
		Key:   KeyAgain,
		Label: "Run Again",
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Owners, t.ExecutionStrategy != "" && t.ExecutionStrategy != model.StrategyTimer)
		},
	})
	s.add(&Descriptor{
		Key:   KeyExecute,
		Label: "Execute",
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Owners, t.ExecutionStrategy != "" && t.ExecutionStrategy != model.StrategyImmediate)
		},
		Disabled: func(t *model.Task, c *model.ViewingContext) (bool, string) {
			if t.ExecutionStrategy != model.StrategyTimer {
				return false, ""
			}
			at, ok := scheduledAt(t)
			if !ok {
				return true, tooltipNoSchedule
			}
			if c.Now.Before(at) {
				return true, fmt.Sprintf(tooltipScheduled, at.Format("2006-01-02 15:04:05"))
			}
			return false, ""
		},
	})
	s.add(&Descriptor{
		Key:   KeyPass,
		Label: "Approve",
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Approvers, t.Approvable)
		},
		Disabled: func(t *model.Task, _ *model.ViewingContext) (bool, string) {
			if t.Kind == model.KindPartitionPlan && !t.AllPoliciesConfigured() {
				return true, tooltipPolicies
			}
			return false, ""
		},
	})
	s.add(&Descriptor{
		Key:   KeyReject,
		Label: "Reject",
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Approvers, t.Approvable)
		},
	})
	s.add(&Descriptor{
		Key:        KeyRollback,
		Label:      "Rollback",
		Icon:       true,
		AllowKinds: rollbackKinds,
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Owners, t.Rollbackable)
		},
	})
	s.add(&Descriptor{
		Key:        KeyDownload,
		Label:      "Download",
		Icon:       true,
		AllowKinds: downloadKinds,
		Visible: func(p permission.Checker, _ *model.Task, c *model.ViewingContext) bool {
			return p.Allow(permission.Owners, c.Features.ResultSetDownload)
		},
		Disabled: expired,
	})
	s.add(&Descriptor{
		Key:        KeyDownloadViewResult,
		Label:      "Download Query Result",
		Icon:       true,
		AllowKinds: queryResultKind,
		Visible: func(p permission.Checker, t *model.Task, c *model.ViewingContext) bool {
			return p.Allow(permission.Owners, c.Features.ResultSetDownload && t.Result.ContainQuery)
		},
		Disabled: expired,
	})
	s.add(&Descriptor{
		Key:        KeyViewResult,
		Label:      "View Query Result",
		Icon:       true,
		AllowKinds: queryResultKind,
		Visible: func(p permission.Checker, t *model.Task, c *model.ViewingContext) bool {
			return p.Allow(permission.Owners, c.Features.QueryResultView && t.Result.ContainQuery)
		},
	})
	s.add(&Descriptor{
		Key:        KeyDownloadSQL,
		Label:      "Download SQL",
		Icon:       true,
		AllowKinds: rollbackKinds,
		Visible: func(p permission.Checker, t *model.Task, _ *model.ViewingContext) bool {
			return p.Allow(permission.Owners, t.HasSQLFile)
		},
	})
	s.add(&Descriptor{
		Key:        KeyStructureComparison,
		Label:      "Start Change From Comparison",
		Icon:       true,
		AllowKinds: []model.TaskKind{model.KindStructureComparison},
		Visible:    owners,
	})
	s.add(&Descriptor{
		Key:        KeyOpenLocalFolder,
		Label:      "Open Folder",
		Icon:       true,
		AllowKinds: localFileKinds,
		Visible: func(p permission.Checker, _ *model.Task, c *model.ViewingContext) bool {
			return p.Allow(permission.Owners, c.Desktop)
		},
	})
	s.add(&Descriptor{Key: KeyClone, Label: "Clone", Icon: true, AllowKinds: cloneKinds, Visible: anyone})
	s.add(&Descriptor{
		Key:   KeyShare,
		Label: "Share",
		Icon:  true,
		Visible: func(p permission.Checker, _ *model.Task, c *model.ViewingContext) bool {
			return p.Allow(permission.Anyone, !c.PrivateSpace)
		},
	})
	s.add(&Descriptor{Key: KeyEdit, Label: "Edit", AllowKinds: cyclicOnly, Visible: owners})
	s.add(&Descriptor{Key: KeyPause, Label: "Disable", AllowKinds: cyclicOnly, Visible: owners})
	s.add(&Descriptor{Key: KeyResume, Label: "Enable", AllowKinds: cyclicOnly, Visible: owners})

	return s
}

func (s *DescriptorSet) add(d *Descriptor) {
	s.byKey[d.Key] = d
}

func (s *DescriptorSet) expiredFunc() func(*model.Task, *model.ViewingContext) (bool, string) {
	days := int(s.retention / (24 * time.Hour))
	return func(t *model.Task, c *model.ViewingContext) (bool, string) {
		if t.CompleteTime == nil {
			return true, tooltipNoCompleteTime
		}
		if c.Now.Sub(*t.CompleteTime) >= s.retention {
			return true, fmt.Sprintf(tooltipExpired, days)
		}
		return false, ""
	}
}

// nextFlip returns the earliest instant after now at which a time-based
// predicate changes its answer for t, or the zero time if none will.
func (s *DescriptorSet) nextFlip(t *model.Task, now time.Time) time.Time {
	var next time.Time
	consider := func(at time.Time) {
		if at.After(now) && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}
	if at, ok := scheduledAt(t); ok {
		consider(at)
	}
	if t.CompleteTime != nil {
		consider(t.CompleteTime.Add(s.retention))
	}
	return next
}

// scheduledAt is the explicit execution time of a timer task. A trigger
// alone does not schedule a run: its next fire always lies after now.
func scheduledAt(t *model.Task) (time.Time, bool) {
	if t.ExecutionTime == nil {
		return time.Time{}, false
	}
	return *t.ExecutionTime, true
}
