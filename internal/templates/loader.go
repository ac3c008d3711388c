package templates

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// FilePattern matches template files below a directory.
const FilePattern = "**/*.{yaml,yml}"

//go:embed builtin/*.yaml
var builtinFS embed.FS

// fileTemplate is the on-disk YAML shape. Params and Config are decoded
// generically and converted to their JSON forms.
type fileTemplate struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	Version     string               `yaml:"version"`
	Description string               `yaml:"description"`
	Params      map[string]any       `yaml:"params"`
	Defaults    map[string]any       `yaml:"defaults"`
	Config      map[string]any       `yaml:"config"`
	Tasks       []types.TemplateTask `yaml:"tasks"`
	Tags        []string             `yaml:"tags"`
}

// Parse decodes a YAML template. A missing id is derived from the file name.
func Parse(data []byte, source string) (*types.Template, error) {
	var ft fileTemplate
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}

	t := &types.Template{
		ID:          ft.ID,
		Name:        ft.Name,
		Version:     ft.Version,
		Description: ft.Description,
		Defaults:    ft.Defaults,
		Tasks:       ft.Tasks,
		Tags:        ft.Tags,
		Source:      source,
	}
	if t.ID == "" {
		base := path.Base(filepath.ToSlash(source))
		t.ID = strings.TrimSuffix(base, path.Ext(base))
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	if ft.Params != nil {
		raw, err := json.Marshal(ft.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: params: %w", source, err)
		}
		t.Params = raw
	}
	if ft.Config != nil {
		raw, err := json.Marshal(ft.Config)
		if err != nil {
			return nil, fmt.Errorf("%s: config: %w", source, err)
		}
		var cfg types.ExecuteConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%s: config: %w", source, err)
		}
		t.Config = &cfg
	}
	return t, nil
}

// LoadFS parses every file in fsys matching pattern. Files that fail to
// parse are reported in the joined error; the rest are still returned.
func LoadFS(fsys fs.FS, pattern, sourcePrefix string) ([]*types.Template, error) {
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	var (
		out  []*types.Template
		errs []error
	)
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t, err := Parse(data, sourcePrefix+name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}

// LoadDir parses every template file below dir. Sources are absolute paths.
func LoadDir(dir string) ([]*types.Template, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return LoadFS(os.DirFS(abs), FilePattern, abs+string(filepath.Separator))
}

// LoadFile parses a single template file.
func LoadFile(name string) (*types.Template, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return Parse(data, name)
}

// Builtins returns the templates shipped with the binary.
func Builtins() ([]*types.Template, error) {
	return LoadFS(builtinFS, "builtin/*.yaml", "builtin:")
}

// Sync writes templates into store, replacing existing ones with the same id.
func Sync(ctx context.Context, store Store, list []*types.Template) error {
	var errs []error
	for _, t := range list {
		if _, err := store.Put(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("store template %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}
