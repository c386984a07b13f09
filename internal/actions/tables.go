package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskconsole/internal/model"
	tcyaml "github.com/msageha/taskconsole/internal/yaml"
	"github.com/msageha/taskconsole/templates"
)

// Tables maps each status to its ordered candidate actions, one table for
// one-shot tasks and one for cyclic tasks. A loaded Tables is never mutated.
type Tables struct {
	OneShot  map[model.Status][]Key
	Cyclic   map[model.Status][]Key
	checksum string
}

// tablesFile is the on-disk shape of status_actions.yaml.
type tablesFile struct {
	SchemaVersion int                    `yaml:"schema_version" json:"schema_version"`
	FileType      string                 `yaml:"file_type" json:"file_type"`
	OneShot       map[model.Status][]Key `yaml:"one_shot" json:"one_shot"`
	Cyclic        map[model.Status][]Key `yaml:"cyclic" json:"cyclic"`
}

// Candidates returns the candidate keys for the task's status in the table
// its kind selects. ok is false for unknown statuses.
func (t *Tables) Candidates(kind model.TaskKind, status model.Status) ([]Key, bool) {
	table := t.OneShot
	if model.IsCyclic(kind) {
		table = t.Cyclic
	}
	keys, ok := table[status]
	return keys, ok
}

// Checksum identifies the table content; it changes whenever any entry does.
func (t *Tables) Checksum() string {
	return t.checksum
}

// Statuses lists the statuses of one table in lexical order.
func (t *Tables) Statuses(cyclic bool) []model.Status {
	table := t.OneShot
	if cyclic {
		table = t.Cyclic
	}
	out := make([]model.Status, 0, len(table))
	for s := range table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultTables loads the tables embedded in the binary.
func DefaultTables() (*Tables, error) {
	data, err := templates.FS.ReadFile(templates.StatusActionFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded tables: %w", err)
	}
	return ParseTables(data)
}

// LoadTablesFile loads tables from an override file.
func LoadTablesFile(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables %s: %w", path, err)
	}
	t, err := ParseTables(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTables decodes and validates a status table document.
func ParseTables(data []byte) (*Tables, error) {
	if err := tcyaml.ValidateSchemaHeaderFromBytes(data, tcyaml.FileTypeActionTables); err != nil {
		return nil, err
	}
	var f tablesFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	if err := validateTables(&f); err != nil {
		return nil, fmt.Errorf("validate tables: %w", err)
	}

	canonical, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal tables: %w", err)
	}
	sum := sha256.Sum256(canonical)

	return &Tables{
		OneShot:  f.OneShot,
		Cyclic:   f.Cyclic,
		checksum: hex.EncodeToString(sum[:]),
	}, nil
}

func validateTables(f *tablesFile) error {
	if len(f.OneShot) == 0 {
		return fmt.Errorf("one_shot table is empty")
	}
	if len(f.Cyclic) == 0 {
		return fmt.Errorf("cyclic table is empty")
	}
	if err := validateTable("one_shot", f.OneShot, model.IsValidOneShotStatus); err != nil {
		return err
	}
	return validateTable("cyclic", f.Cyclic, model.IsValidCyclicStatus)
}

func validateTable(name string, table map[model.Status][]Key, valid func(model.Status) bool) error {
	for status, keys := range table {
		if !valid(status) {
			return fmt.Errorf("%s: unknown status %q", name, status)
		}
		seen := make(map[Key]bool, len(keys))
		for _, k := range keys {
			if !IsKnownKey(k) {
				return fmt.Errorf("%s.%s: unknown action %q", name, status, k)
			}
			if seen[k] {
				return fmt.Errorf("%s.%s: duplicate action %q", name, status, k)
			}
			seen[k] = true
		}
	}
	return nil
}
