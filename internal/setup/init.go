// Package setup handles tempvoice directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/tempvoice/internal/atomicfile"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/templates"
)

// DirName is the directory the daemon and CLI look for.
const DirName = ".tempvoice"

// Options customise the generated config.yaml.
type Options struct {
	// WebhookURL switches the executor to webhook mode when set.
	WebhookURL string
	AuthToken  string
}

// Run initializes the .tempvoice/ directory structure in projectDir and
// returns its path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"inbox", "state", "locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("dashboard.md", filepath.Join(base, "dashboard.md")); err != nil {
		return "", err
	}
	if err := writeConfig(filepath.Join(base, "config.yaml"), opts); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicfile.Write(dst, data, nil); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// writeConfig keeps the commented template unless options require edits.
func writeConfig(path string, opts Options) error {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return fmt.Errorf("read config template: %w", err)
	}
	if opts.WebhookURL == "" {
		return atomicfile.Write(path, data, atomicfile.ValidateYAML)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config template: %w", err)
	}
	cfg.Executor.Mode = "webhook"
	cfg.Executor.WebhookURL = opts.WebhookURL
	cfg.Executor.AuthToken = opts.AuthToken
	if err := cfg.Validate(); err != nil {
		return err
	}
	return atomicfile.WriteYAML(path, cfg)
}

// FindDir walks up from dir looking for a .tempvoice directory.
func FindDir(dir string) string {
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
