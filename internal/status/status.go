// Package status summarizes the local console state: daemon liveness, task
// snapshots by status, pending control requests and audit log integrity.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/lock"
	"github.com/msageha/taskconsole/internal/store"
	"github.com/msageha/taskconsole/internal/taskctl"
	"github.com/msageha/taskconsole/internal/uds"
	tcyaml "github.com/msageha/taskconsole/internal/yaml"
)

type ConsoleStatus struct {
	Daemon DaemonStatus  `json:"daemon"`
	Tasks  []StatusCount `json:"tasks,omitempty"`
	Outbox int           `json:"outbox_pending"`
	Audit  *AuditStatus  `json:"audit,omitempty"`
}

// AuditStatus counts audit entries and those whose checksum still matches.
// Entries written without a checksum count as valid.
type AuditStatus struct {
	Entries int `json:"entries"`
	Valid   int `json:"valid"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Run collects the status of the console rooted at dir and prints it to w.
func Run(dir string, w io.Writer, jsonOutput bool) error {
	s := Collect(dir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printStatus(w, s)
	return nil
}

func Collect(dir string) ConsoleStatus {
	return ConsoleStatus{
		Daemon: checkDaemon(dir),
		Tasks:  countStatuses(filepath.Join(dir, store.TasksDir)),
		Outbox: countOutbox(filepath.Join(dir, taskctl.OutboxDir)),
		Audit:  checkAudit(filepath.Join(dir, "logs", "audit.jsonl")),
	}
}

// checkAudit returns nil when no audit log has been written yet.
func checkAudit(path string) *AuditStatus {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		log.Printf("status: verify %s: %v", path, err)
		return nil
	}
	return &AuditStatus{Entries: total, Valid: valid}
}

func checkDaemon(dir string) DaemonStatus {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		return DaemonStatus{}
	}
	ds := DaemonStatus{Running: true}
	if pid, err := lock.HolderPID(filepath.Join(dir, "locks", "daemon.lock")); err == nil {
		ds.Pid = pid
	}
	return ds
}

type snapshotHeader struct {
	Status string `yaml:"status"`
}

// countStatuses reads only the status field of each snapshot so it works
// without a running daemon.
func countStatuses(tasksDir string) []StatusCount {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return nil
	}

	counts := make(map[string]int)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(tasksDir, name))
		if err != nil {
			log.Printf("status: read %s: %v", name, err)
			continue
		}
		if err := tcyaml.ValidateSchemaHeaderFromBytes(data, tcyaml.FileTypeTaskSnapshot); err != nil {
			log.Printf("status: invalid schema in %s: %v", name, err)
			continue
		}
		var h snapshotHeader
		if err := yamlv3.Unmarshal(data, &h); err != nil {
			log.Printf("status: parse %s: %v", name, err)
			continue
		}
		if h.Status == "" {
			h.Status = "unknown"
		}
		counts[h.Status]++
	}

	out := make([]StatusCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, StatusCount{Status: s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}

func countOutbox(outboxDir string) int {
	entries, err := os.ReadDir(outboxDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), ".yaml") {
			n++
		}
	}
	return n
}

func printStatus(w io.Writer, s ConsoleStatus) {
	if s.Daemon.Running {
		if s.Daemon.Pid > 0 {
			fmt.Fprintf(w, "Daemon: running (pid %d)\n", s.Daemon.Pid)
		} else {
			fmt.Fprintln(w, "Daemon: running")
		}
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if len(s.Tasks) > 0 {
		fmt.Fprintln(w, "\nTasks:")
		fmt.Fprintf(w, "  %-28s  %5s\n", "STATUS", "COUNT")
		for _, c := range s.Tasks {
			fmt.Fprintf(w, "  %-28s  %5d\n", c.Status, c.Count)
		}
	} else {
		fmt.Fprintln(w, "\nTasks: none")
	}

	fmt.Fprintf(w, "\nOutbox: %d pending\n", s.Outbox)

	if s.Audit != nil {
		if bad := s.Audit.Entries - s.Audit.Valid; bad > 0 {
			fmt.Fprintf(w, "Audit: %d entries, %d failed checksum\n", s.Audit.Entries, bad)
		} else {
			fmt.Fprintf(w, "Audit: %d entries, intact\n", s.Audit.Entries)
		}
	}
}
