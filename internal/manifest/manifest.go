// Package manifest loads and validates guidance manifests.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/graphext/clippi-sub000/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("invalid manifest")

// Problem is one finding, located by target id and a field path.
type Problem struct {
	TargetID string
	Field    string
	Message  string
}

func (p Problem) String() string {
	loc := p.Field
	if p.TargetID != "" {
		loc = fmt.Sprintf("target %q: %s", p.TargetID, p.Field)
	}
	return loc + ": " + p.Message
}

// Warning is a problem that does not stop the manifest from loading.
type Warning = Problem

// ValidationError carries every hard problem found in a manifest.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*schemas.Manifest, []Warning, error) {
	var m schemas.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	warnings, err := Validate(&m)
	if err != nil {
		return nil, warnings, err
	}
	return &m, warnings, nil
}

// Load reads a manifest file. A leading ~ in path is expanded.
func Load(path string) (*schemas.Manifest, []Warning, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expand manifest path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}
