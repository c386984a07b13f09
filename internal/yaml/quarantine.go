package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a file that failed to parse into <baseDir>/quarantine so
// it stops being picked up by directory scans.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with its .bak sibling if the backup
// parses as YAML.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores the backup if one
// exists. It reports whether the file is present again afterwards.
func RecoverCorruptedFile(baseDir, filePath string, logger *log.Logger) (bool, error) {
	dst, err := Quarantine(baseDir, filePath)
	if err != nil {
		return false, fmt.Errorf("quarantine failed: %w", err)
	}
	if logger != nil {
		logger.Printf("quarantined corrupted file: %s → %s", filePath, dst)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		if logger != nil {
			logger.Printf("backup restore failed for %s: %v", filePath, err)
		}
		return false, nil
	}
	return true, nil
}
