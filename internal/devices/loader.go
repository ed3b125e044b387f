package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

var profileExtensions = []string{".json", ".yaml", ".yml"}

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves a profile name against the search paths, trying .json
// before .yaml and .yml.
func (l *ProfileLoader) Load(profilePath string) (*types.SlotProfileDefinition, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(profilePath); ok {
		return cached.(*types.SlotProfileDefinition), nil
	}

	var data []byte
	var foundPath string

search:
	for _, searchPath := range l.searchPaths {
		for _, ext := range profileExtensions {
			fullPath := filepath.Join(searchPath, profilePath+ext)
			raw, err := os.ReadFile(fullPath)
			if err == nil {
				data, foundPath = raw, fullPath
				break search
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
			}
		}
	}

	if data == nil {
		return nil, fmt.Errorf("profile not found: %s (searched in: %v)", profilePath, l.searchPaths)
	}

	profile, err := l.Parse(foundPath, data)
	if err != nil {
		return nil, err
	}

	l.cache.Store(profilePath, profile)

	return profile, nil
}

// Parse validates and decodes one profile document; the format follows
// the file extension of name.
func (l *ProfileLoader) Parse(name string, data []byte) (*types.SlotProfileDefinition, error) {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		asJSON, err := l.validator.ValidateYAML(data)
		if err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", name, err)
		}
		data = asJSON
	default:
		if err := l.validator.ValidateProfile(data); err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", name, err)
		}
	}

	var profile types.SlotProfileDefinition
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	if err := types.ValidateSubmodules(profile.Submodules); err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}

	return &profile, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
