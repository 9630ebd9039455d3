package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var profileExtensions = []string{".yaml", ".yml", ".json"}

type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds a profile by name (without extension) in the search paths, or
// by explicit file path.
func (l *Loader) Load(name string) (*CellProfile, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*CellProfile), nil
	}

	data, foundPath, err := l.find(name)
	if err != nil {
		return nil, err
	}

	profile, err := l.Parse(data, filepath.Ext(foundPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", foundPath, err)
	}

	l.cache.Store(name, profile)
	return profile, nil
}

func (l *Loader) find(name string) ([]byte, string, error) {
	if ext := filepath.Ext(name); ext != "" {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read profile: %w", err)
		}
		return data, name, nil
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range profileExtensions {
			fullPath := filepath.Join(searchPath, name+ext)
			data, err := os.ReadFile(fullPath)
			if err == nil {
				return data, fullPath, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, "", fmt.Errorf("failed to read %s: %w", fullPath, err)
			}
		}
	}

	return nil, "", fmt.Errorf("profile not found: %s (searched in: %v)", name, l.searchPaths)
}

// Parse decodes and validates a profile. YAML documents are converted to JSON
// first so both formats go through the same schema.
func (l *Loader) Parse(data []byte, ext string) (*CellProfile, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
		data = converted
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported profile format %q", ext)
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var profile CellProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if profile.Line.PhotoeyeRange.Max < profile.Line.PhotoeyeRange.Min {
		return nil, errors.New("photoeye range max is below min")
	}
	return &profile, nil
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
