package model

import "time"

// Task is a read-only snapshot of a task as reported by the server. Optional
// fields decode to their zero value when absent.
type Task struct {
	ID                string            `yaml:"id" json:"id"`
	Kind              TaskKind          `yaml:"kind" json:"kind"`
	Status            Status            `yaml:"status" json:"status"`
	ExecutionStrategy ExecutionStrategy `yaml:"execution_strategy" json:"execution_strategy"`
	ExecutionTime     *time.Time        `yaml:"execution_time,omitempty" json:"execution_time,omitempty"`
	Creator           Creator           `yaml:"creator" json:"creator"`
	ProjectID         string            `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
	Approvable        bool              `yaml:"approvable" json:"approvable"`
	Rollbackable      bool              `yaml:"rollbackable" json:"rollbackable"`
	CompleteTime      *time.Time        `yaml:"complete_time,omitempty" json:"complete_time,omitempty"`
	Result            TaskResult        `yaml:"result,omitempty" json:"result,omitempty"`
	HasSQLFile        bool              `yaml:"has_sql_file,omitempty" json:"has_sql_file,omitempty"`
	PartitionPolicies []PartitionPolicy `yaml:"partition_policies,omitempty" json:"partition_policies,omitempty"`
	Trigger           *Trigger          `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

type Creator struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

type TaskResult struct {
	ContainQuery bool `yaml:"contain_query,omitempty" json:"contain_query,omitempty"`
}

// PartitionPolicy is one table row of a partition plan. Configured is false
// until the user has filled in the policy detail for that table.
type PartitionPolicy struct {
	Table      string `yaml:"table" json:"table"`
	Configured bool   `yaml:"configured" json:"configured"`
}

// TriggerMode selects how a Trigger is turned into a cron expression.
type TriggerMode string

const (
	TriggerDaily   TriggerMode = "daily"
	TriggerWeekly  TriggerMode = "weekly"
	TriggerMonthly TriggerMode = "monthly"
	TriggerCustom  TriggerMode = "custom"
)

// Trigger is the schedule of a cyclic or timer task as entered on the form.
// Days holds weekdays (0=Sunday) for weekly and days of month for monthly.
type Trigger struct {
	Mode   TriggerMode `yaml:"mode" json:"mode"`
	Hour   int         `yaml:"hour,omitempty" json:"hour,omitempty"`
	Minute int         `yaml:"minute,omitempty" json:"minute,omitempty"`
	Days   []int       `yaml:"days,omitempty" json:"days,omitempty"`
	Cron   string      `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// IsCyclic reports whether t uses the recurring status vocabulary.
func (t *Task) IsCyclic() bool {
	return IsCyclic(t.Kind)
}

// IsTerminal reports whether t's status is final for its kind.
func (t *Task) IsTerminal() bool {
	return IsTerminal(t.Kind, t.Status)
}

// AllPoliciesConfigured is false if any partition policy row lacks a detail.
func (t *Task) AllPoliciesConfigured() bool {
	for _, p := range t.PartitionPolicies {
		if !p.Configured {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	if t.ExecutionTime != nil {
		et := *t.ExecutionTime
		out.ExecutionTime = &et
	}
	if t.CompleteTime != nil {
		ct := *t.CompleteTime
		out.CompleteTime = &ct
	}
	if t.PartitionPolicies != nil {
		out.PartitionPolicies = append([]PartitionPolicy(nil), t.PartitionPolicies...)
	}
	if t.Trigger != nil {
		tr := *t.Trigger
		tr.Days = append([]int(nil), t.Trigger.Days...)
		out.Trigger = &tr
	}
	return out
}
