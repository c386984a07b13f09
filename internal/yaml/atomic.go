// Package yaml provides atomic YAML file I/O, schema headers, and quarantine
// for the files under .taskconsole/.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// WriteOptions controls AtomicWriteWith.
type WriteOptions struct {
	// Backup keeps the previous content as <path>.bak.
	Backup bool
	// MkdirAll creates the parent directory when missing.
	MkdirAll bool
}

// AtomicWrite marshals data and replaces path atomically, keeping a .bak of
// the previous content.
func AtomicWrite(path string, data any) error {
	return AtomicWriteWith(path, data, WriteOptions{Backup: true})
}

func AtomicWriteWith(path string, data any, opts WriteOptions) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeRaw(path, content, opts)
}

// AtomicWriteRaw writes pre-rendered YAML. Content that does not parse is
// rejected before path is touched.
func AtomicWriteRaw(path string, content []byte) error {
	return writeRaw(path, content, WriteOptions{Backup: true})
}

func writeRaw(path string, content []byte, opts WriteOptions) error {
	dir := filepath.Dir(path)
	if opts.MkdirAll {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".taskconsole-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validateYAML(written); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if opts.Backup {
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// ReadFile reads path, checks its schema header against fileType, and
// unmarshals it into out.
func ReadFile(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("%s: parse yaml: %w", filepath.Base(path), err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
