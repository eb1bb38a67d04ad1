package yaml

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrNoDocument is returned by Load when neither the file nor a usable
// backup exists.
var ErrNoDocument = errors.New("no document")

// Quarantine moves a corrupt file into <workspaceDir>/quarantine and returns
// its new path.
func Quarantine(workspaceDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(workspaceDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path+".bak" over path if the backup carries a
// valid header for fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeader(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Load reads a versioned document into out. A corrupt file is quarantined
// and the backup is tried; when nothing usable remains ErrNoDocument is
// returned and the caller starts from an empty document.
func Load(workspaceDir, path, fileType string, out any, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoDocument
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	decodeErr := decode(content, fileType, out)
	if decodeErr == nil {
		return nil
	}

	dst, err := Quarantine(workspaceDir, path)
	if err != nil {
		return fmt.Errorf("quarantine after %v: %w", decodeErr, err)
	}
	logger.Warn("quarantined corrupt file", "path", path, "quarantine", dst, "error", decodeErr)

	if err := RestoreFromBackup(path, fileType); err != nil {
		logger.Warn("backup restore failed", "path", path, "error", err)
		return ErrNoDocument
	}
	logger.Info("restored from backup", "path", path)

	content, err = os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read restored %s: %w", path, err)
	}
	if err := decode(content, fileType, out); err != nil {
		return ErrNoDocument
	}
	return nil
}

func decode(content []byte, fileType string, out any) error {
	if err := ValidateSchemaHeader(content, fileType); err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
