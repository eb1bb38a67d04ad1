package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/specforge/internal/model"
	yamlutil "github.com/msageha/specforge/internal/yaml"
)

const manifestName = ".manifest.json"

// ArtifactWriter stores generated files under <dir>/<workflow>/<task>/.
// Artifact ids are derived from (task, kind, name), so writing the same
// output twice replaces the files and yields the same artifacts.
type ArtifactWriter struct {
	dir string
	now func() time.Time
}

func NewArtifactWriter(dir string) *ArtifactWriter {
	return &ArtifactWriter{dir: dir, now: time.Now}
}

func (w *ArtifactWriter) taskDir(t model.Task) string {
	return filepath.Join(w.dir, t.WorkflowID, t.ID)
}

// Write stores files and then a manifest listing them. The manifest is
// written last; its presence means the whole set is on disk.
func (w *ArtifactWriter) Write(t model.Task, files []GeneratedFile) ([]model.Artifact, error) {
	dir := w.taskDir(t)
	now := w.now().UTC()
	arts := make([]model.Artifact, 0, len(files))

	for _, f := range files {
		if !filepath.IsLocal(f.Name) || f.Name == manifestName {
			return nil, Permanent("write artifact", fmt.Errorf("invalid artifact name %q", f.Name))
		}
		path := filepath.Join(dir, f.Name)
		content := []byte(f.Content)
		if err := yamlutil.WriteFileAtomic(path, content, 0o644); err != nil {
			return nil, fmt.Errorf("write artifact %s: %w", path, err)
		}
		arts = append(arts, model.Artifact{
			ID:        model.ArtifactID(t.ID, f.Kind, f.Name),
			TaskID:    t.ID,
			Kind:      f.Kind,
			Name:      f.Name,
			Location:  path,
			Checksum:  checksum(content),
			CreatedAt: now,
		})
	}

	data, err := json.MarshalIndent(arts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := yamlutil.WriteFileAtomic(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return arts, nil
}

// Existing returns the artifacts a previous delivery of t already wrote,
// provided every file is still present with its recorded checksum.
func (w *ArtifactWriter) Existing(t model.Task) ([]model.Artifact, bool, error) {
	data, err := os.ReadFile(filepath.Join(w.taskDir(t), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read manifest: %w", err)
	}
	var arts []model.Artifact
	if err := json.Unmarshal(data, &arts); err != nil {
		return nil, false, nil
	}
	if len(arts) == 0 {
		return nil, false, nil
	}
	for _, a := range arts {
		content, err := os.ReadFile(a.Location)
		if err != nil || checksum(content) != a.Checksum || a.TaskID != t.ID {
			return nil, false, nil
		}
	}
	return arts, true, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
