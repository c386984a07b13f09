// Package render prints resolved action lists and task summaries for the CLI.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/model"
)

// Resolution is the JSON shape of one task's resolved actions.
type Resolution struct {
	TaskID  string           `json:"task_id"`
	Kind    model.TaskKind   `json:"kind"`
	Status  model.Status     `json:"status"`
	Mode    model.Mode       `json:"mode"`
	Actions []actions.Action `json:"actions"`
}

func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Actions prints one line per action. Disabled actions are marked and
// followed by their tooltip.
func Actions(w io.Writer, r Resolution) error {
	fmt.Fprintf(w, "%s  kind=%s  status=%s  mode=%s\n", r.TaskID, r.Kind, r.Status, r.Mode)
	if len(r.Actions) == 0 {
		_, err := fmt.Fprintln(w, "  (no actions)")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, a := range r.Actions {
		state := "enabled"
		if a.Disabled {
			state = "disabled"
		}
		icon := ""
		if a.Icon {
			icon = "icon"
		}
		line := fmt.Sprintf("  %s\t%s\t%s\t%s", a.Key, a.Label, state, icon)
		if a.Tooltip != "" {
			line += "\t" + a.Tooltip
		}
		fmt.Fprintln(tw, strings.TrimRight(line, "\t"))
	}
	return tw.Flush()
}

// Inline renders actions on one line, e.g. for watch output.
func Inline(list []actions.Action) string {
	parts := make([]string, len(list))
	for i, a := range list {
		s := string(a.Key)
		if a.Disabled {
			s += "(disabled)"
		}
		parts[i] = s
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Tables prints the status tables, one status per line.
func Tables(w io.Writer, t *actions.Tables) error {
	return TableSet(w, t.Checksum(), t.OneShot, t.Cyclic)
}

// TableSet prints status tables received as plain maps, e.g. from the daemon.
func TableSet(w io.Writer, checksum string, oneShot, cyclic map[model.Status][]actions.Key) error {
	fmt.Fprintf(w, "checksum: %s\n", checksum)
	for _, section := range []struct {
		name  string
		table map[model.Status][]actions.Key
	}{{"one_shot", oneShot}, {"cyclic", cyclic}} {
		fmt.Fprintf(w, "\n%s:\n", section.name)
		statuses := make([]model.Status, 0, len(section.table))
		for s := range section.table {
			statuses = append(statuses, s)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
		for _, s := range statuses {
			keys := make([]string, len(section.table[s]))
			for i, k := range section.table[s] {
				keys[i] = string(k)
			}
			fmt.Fprintf(w, "  %-28s %s\n", s, strings.Join(keys, ", "))
		}
	}
	return nil
}

// TaskList prints a table of task snapshots.
func TaskList(w io.Writer, tasks []model.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATOR\tCOMPLETED")
	for _, t := range tasks {
		completed := "-"
		if t.CompleteTime != nil {
			completed = t.CompleteTime.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.Status, t.Creator.ID, completed)
	}
	return tw.Flush()
}

// Schedule prints upcoming fire times.
func Schedule(w io.Writer, expr string, times []time.Time) error {
	fmt.Fprintf(w, "cron: %s\n", expr)
	if len(times) == 0 {
		_, err := fmt.Fprintln(w, "never fires")
		return err
	}
	for _, t := range times {
		fmt.Fprintf(w, "  %s\n", t.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
