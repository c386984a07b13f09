package yaml

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type snapshot struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	ID            string `yaml:"id"`
	Status        string `yaml:"status"`
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t-1.yaml")

	first := snapshot{1, FileTypeTaskSnapshot, "t-1", "approving"}
	second := snapshot{1, FileTypeTaskSnapshot, "t-1", "executing"}
	if err := AtomicWrite(path, first); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, second); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak, cur snapshot
	if err := ReadFile(path+".bak", FileTypeTaskSnapshot, &bak); err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if err := ReadFile(path, FileTypeTaskSnapshot, &cur); err != nil {
		t.Fatalf("read current: %v", err)
	}
	if bak.Status != "approving" {
		t.Errorf("backup status: got %q, want approving", bak.Status)
	}
	if cur.Status != "executing" {
		t.Errorf("current status: got %q, want executing", cur.Status)
	}
}

func TestAtomicWriteWith_NoBackupAndMkdir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox", "r-1.yaml")

	opts := WriteOptions{MkdirAll: true}
	if err := AtomicWriteWith(path, map[string]string{"action": "stop"}, opts); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWriteWith(path, map[string]string{"action": "again"}, opts); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("no backup expected")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := yamlv3.Unmarshal(content, &got); err != nil {
		t.Fatal(err)
	}
	if got["action"] != "again" {
		t.Errorf("action: got %q", got["action"])
	}
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t-1.yaml")

	if err := AtomicWriteRaw(path, []byte(":\n  invalid: [\n    broken")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %d", len(entries))
	}
}

func TestReadFile_WrongType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	if err := AtomicWrite(path, snapshot{1, FileTypeActionTables, "", ""}); err != nil {
		t.Fatal(err)
	}
	var s snapshot
	if err := ReadFile(path, FileTypeTaskSnapshot, &s); err == nil {
		t.Error("expected file_type mismatch")
	}
}
