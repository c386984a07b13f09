package model

import "fmt"

// TaskKind identifies what a task does. The set is closed; decoding an unknown
// kind is not an error, but such a task resolves to no actions.
type TaskKind string

const (
	KindAsync                   TaskKind = "async"
	KindMultipleAsync           TaskKind = "multiple_async"
	KindImport                  TaskKind = "import"
	KindExport                  TaskKind = "export"
	KindExportResultSet         TaskKind = "export_result_set"
	KindMockData                TaskKind = "mock_data"
	KindPartitionPlan           TaskKind = "partition_plan"
	KindSQLPlan                 TaskKind = "sql_plan"
	KindDataArchive             TaskKind = "data_archive"
	KindDataDelete              TaskKind = "data_delete"
	KindShadowTableSync         TaskKind = "shadow_table_sync"
	KindStructureComparison     TaskKind = "structure_comparison"
	KindOnlineSchemaChange      TaskKind = "online_schema_change"
	KindLogicalDatabaseChange   TaskKind = "logical_database_change"
	KindAlterSchedule           TaskKind = "alter_schedule"
	KindApplyProjectPermission  TaskKind = "apply_project_permission"
	KindApplyDatabasePermission TaskKind = "apply_database_permission"
	KindApplyTablePermission    TaskKind = "apply_table_permission"
	KindPreCheck                TaskKind = "pre_check"
	KindGenerateRollback        TaskKind = "generate_rollback"
)

var knownKinds = map[TaskKind]bool{
	KindAsync:                   true,
	KindMultipleAsync:           true,
	KindImport:                  true,
	KindExport:                  true,
	KindExportResultSet:         true,
	KindMockData:                true,
	KindPartitionPlan:           true,
	KindSQLPlan:                 true,
	KindDataArchive:             true,
	KindDataDelete:              true,
	KindShadowTableSync:         true,
	KindStructureComparison:     true,
	KindOnlineSchemaChange:      true,
	KindLogicalDatabaseChange:   true,
	KindAlterSchedule:           true,
	KindApplyProjectPermission:  true,
	KindApplyDatabasePermission: true,
	KindApplyTablePermission:    true,
	KindPreCheck:                true,
	KindGenerateRollback:        true,
}

// Recurring kinds run on a trigger and use the cyclic status vocabulary.
var cyclicKinds = map[TaskKind]bool{
	KindSQLPlan:       true,
	KindDataArchive:   true,
	KindDataDelete:    true,
	KindAlterSchedule: true,
}

func IsKnownKind(k TaskKind) bool {
	return knownKinds[k]
}

func IsCyclic(k TaskKind) bool {
	return cyclicKinds[k]
}

// Kinds returns every known kind. Order is unspecified.
func Kinds() []TaskKind {
	out := make([]TaskKind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	return out
}

func ParseKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown task kind %q", s)
	}
	return k, nil
}

// ExecutionStrategy describes when an approved task runs.
type ExecutionStrategy string

const (
	StrategyImmediate ExecutionStrategy = "immediate"
	StrategyManual    ExecutionStrategy = "manual"
	StrategyTimer     ExecutionStrategy = "timer"
)
