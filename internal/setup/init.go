// Package setup handles specforge project initialization.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/specforge/internal/config"
	atomicyaml "github.com/msageha/specforge/internal/yaml"
	"github.com/msageha/specforge/templates"
)

// workspaceIgnore keeps runtime state out of version control while config
// and gate rules stay tracked.
const workspaceIgnore = `state.db*
snapshot.yaml*
daemon.sock
daemon.lock
logs/
artifacts/
quarantine/
`

type Options struct {
	// ProjectName defaults to the directory basename.
	ProjectName string
	// Example writes a sample specification into the spec directory.
	Example bool
}

// Run initializes the .specforge/ workspace in projectDir and the spec
// directory next to it. The generated configuration is loaded back before
// returning, so a successful Run always leaves a usable project.
func Run(projectDir string, opts Options) (config.Paths, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return config.Paths{}, fmt.Errorf("resolve project dir: %w", err)
	}
	paths := config.NewPaths(absDir)

	if _, err := os.Stat(paths.Workspace); err == nil {
		return paths, fmt.Errorf("%s already exists", paths.Workspace)
	}

	for _, dir := range []string{paths.Workspace, paths.Logs(), paths.Artifacts()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return paths, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	name := opts.ProjectName
	if name == "" {
		name = filepath.Base(absDir)
	}
	cfgData, err := generateConfig(name)
	if err != nil {
		return paths, fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.WriteFileAtomic(paths.ConfigFile(), cfgData, 0644); err != nil {
		return paths, fmt.Errorf("write config.yaml: %w", err)
	}
	if err := copyTemplateFile("gates.yaml", paths.GatesFile()); err != nil {
		return paths, err
	}
	if err := atomicyaml.WriteFileAtomic(filepath.Join(paths.Workspace, ".gitignore"), []byte(workspaceIgnore), 0644); err != nil {
		return paths, fmt.Errorf("write .gitignore: %w", err)
	}

	cfg, err := config.Load(absDir)
	if err != nil {
		return paths, fmt.Errorf("generated config does not load: %w", err)
	}
	if err := os.MkdirAll(cfg.Detector.SpecDir, 0755); err != nil {
		return paths, fmt.Errorf("create spec dir: %w", err)
	}
	if opts.Example {
		dst := filepath.Join(cfg.Detector.SpecDir, "example.md")
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			if err := copyTemplateFile("example.md", dst); err != nil {
				return paths, err
			}
		}
	}
	return paths, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.WriteFileAtomic(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig fills project.name in the config template, keeping its
// comments.
func generateConfig(projectName string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	nameNode := lookup(&doc, "project", "name")
	if nameNode == nil {
		return nil, errors.New("config template has no project.name")
	}
	nameNode.Value = projectName
	nameNode.Tag = "!!str"
	nameNode.Style = yamlv3.DoubleQuotedStyle

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// lookup walks mapping keys from a document node.
func lookup(n *yamlv3.Node, keys ...string) *yamlv3.Node {
	if n.Kind == yamlv3.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, key := range keys {
		if n.Kind != yamlv3.MappingNode {
			return nil
		}
		var next *yamlv3.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}
