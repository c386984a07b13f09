// Package setup handles taskconsole workspace initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/store"
	"github.com/msageha/taskconsole/internal/taskctl"
	tcyaml "github.com/msageha/taskconsole/internal/yaml"
	"github.com/msageha/taskconsole/templates"
)

// DirName is the workspace directory created inside a project.
const DirName = ".taskconsole"

// Run initializes the .taskconsole/ directory structure in projectDir.
// projectName overrides the default of the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		store.TasksDir,
		taskctl.OutboxDir,
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// The tables copy is only read once tables.override_file points at it.
	if err := copyTemplateFile(templates.StatusActionFile, filepath.Join(base, templates.StatusActionFile)); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := tcyaml.AtomicWriteWith(filepath.Join(base, templates.ConfigFile), cfg, tcyaml.WriteOptions{}); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, templates.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}
