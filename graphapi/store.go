package graphapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultTemplateCacheSize = 64

// TemplateInfo describes a stored template and what it can be used for
type TemplateInfo struct {
	Name        string `json:"name"`
	ImageInput  bool   `json:"image_input"`
	VideoOutput bool   `json:"video_output"`
}

// TemplateStore loads named templates from a directory of API-format workflow files.
// Decoded templates are cached; every Load hands out a private deep copy so concurrent
// builds never share mutable state.
type TemplateStore struct {
	dir   string
	cache *lru.Cache[string, *Template]
}

// NewTemplateStore creates a store reading <dir>/<name>.json
func NewTemplateStore(dir string, size int) (*TemplateStore, error) {
	if size <= 0 {
		size = DefaultTemplateCacheSize
	}
	cache, err := lru.New[string, *Template](size)
	if err != nil {
		return nil, err
	}
	return &TemplateStore{
		dir:   dir,
		cache: cache,
	}, nil
}

// Dir returns the directory templates are read from
func (s *TemplateStore) Dir() string {
	return s.dir
}

// Load returns a fresh copy of the named template
func (s *TemplateStore) Load(name string) (*Template, error) {
	name, err := cleanTemplateName(name)
	if err != nil {
		return nil, err
	}

	if tpl, ok := s.cache.Get(name); ok {
		return tpl.Clone(), nil
	}

	tpl, err := NewTemplateFromJsonFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	s.cache.Add(name, tpl)
	return tpl.Clone(), nil
}

// List returns every template in the store, sorted by name. Files that fail to decode
// are skipped.
func (s *TemplateStore) List() ([]TemplateInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	retv := make([]TemplateInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		tpl, err := s.Load(name)
		if err != nil {
			continue
		}
		retv = append(retv, TemplateInfo{
			Name:        name,
			ImageInput:  tpl.HasRole(RoleImageInput),
			VideoOutput: tpl.HasRole(RoleVideoEncoder),
		})
	}
	sort.Slice(retv, func(i, j int) bool {
		return retv[i].Name < retv[j].Name
	})
	return retv, nil
}

// Save writes tpl as <dir>/<name>.json, replacing any cached copy
func (s *TemplateStore) Save(name string, tpl *Template) error {
	name, err := cleanTemplateName(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, name+".json"), append(data, '\n'), 0o644); err != nil {
		return err
	}
	s.cache.Remove(name)
	return nil
}

func cleanTemplateName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".json")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return name, nil
}
