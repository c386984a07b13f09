// Package taskctl carries the effect of a chosen action to the task server.
// The network side is behind Client; this package only builds, checks and
// records requests.
package taskctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/taskconsole/internal/actions"
	tcyaml "github.com/msageha/taskconsole/internal/yaml"
)

const OutboxDir = "outbox"

// Request asks the server to apply one action to one task.
type Request struct {
	ID          string      `yaml:"id" json:"id"`
	TaskID      string      `yaml:"task_id" json:"task_id"`
	Action      actions.Key `yaml:"action" json:"action"`
	Actor       string      `yaml:"actor" json:"actor"`
	RequestedAt time.Time   `yaml:"requested_at" json:"requested_at"`
}

func NewRequest(taskID string, action actions.Key, actor string, now time.Time) Request {
	return Request{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Action:      action,
		Actor:       actor,
		RequestedAt: now.UTC(),
	}
}

// Client delivers control requests. Implementations must not mutate any
// local task snapshot; the new state arrives through the next poll.
type Client interface {
	Control(ctx context.Context, req Request) error
}

type requestFile struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	Request       Request `yaml:",inline"`
}

// OutboxClient spools requests as YAML files for the sync agent to send.
type OutboxClient struct {
	dir string
}

func NewOutboxClient(baseDir string) *OutboxClient {
	return &OutboxClient{dir: filepath.Join(baseDir, OutboxDir)}
}

func (c *OutboxClient) Dir() string {
	return c.dir
}

func (c *OutboxClient) Control(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ID == "" || req.TaskID == "" || req.Action == "" {
		return fmt.Errorf("incomplete control request: id=%q task=%q action=%q", req.ID, req.TaskID, req.Action)
	}
	name := fmt.Sprintf("%s-%s.yaml", req.RequestedAt.UTC().Format("20060102T150405.000000000"), req.ID)
	file := requestFile{
		SchemaVersion: tcyaml.CurrentSchemaVersion,
		FileType:      tcyaml.FileTypeControlRequest,
		Request:       req,
	}
	if err := tcyaml.AtomicWriteWith(filepath.Join(c.dir, name), file, tcyaml.WriteOptions{MkdirAll: true}); err != nil {
		return fmt.Errorf("spool request %s: %w", req.ID, err)
	}
	return nil
}

// Pending returns the spooled requests oldest first.
func (c *OutboxClient) Pending() ([]Request, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read outbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Request, 0, len(names))
	for _, name := range names {
		var f requestFile
		if err := tcyaml.ReadFile(filepath.Join(c.dir, name), tcyaml.FileTypeControlRequest, &f); err != nil {
			return nil, err
		}
		out = append(out, f.Request)
	}
	return out, nil
}
