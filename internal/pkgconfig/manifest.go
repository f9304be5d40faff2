// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pkgconfig reads per-package reload settings from package.yaml.
package pkgconfig

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest file at the root of a package.
const FileName = "package.yaml"

// Manifest represents a package.yaml file.
type Manifest struct {
	Name         string   `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"pattern=^[A-Za-z][A-Za-z0-9_ -]*$"`
	Version      string   `yaml:"version,omitempty" json:"version,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty" jsonschema:"uniqueItems=true"`
	Exclude      []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Package names double as the first segment of module names, so they cannot
// contain dots.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ -]*$`)

// ParseManifest parses and validates a package.yaml file.
// An empty file is a valid manifest with no settings.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("pkgconfig").Code("INVALID_MANIFEST").Hint("invalid YAML").Wrap(err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name != "" && !namePattern.MatchString(m.Name) {
		return oops.In("pkgconfig").Code("INVALID_MANIFEST").With("name", m.Name).
			Errorf("name %q must start with a letter and cannot contain dots", m.Name)
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return oops.In("pkgconfig").Code("INVALID_MANIFEST").With("version", m.Version).
				Hint("version must be semantic").Wrap(err)
		}
	}
	for _, dep := range m.Dependencies {
		if !namePattern.MatchString(dep) {
			return oops.In("pkgconfig").Code("INVALID_MANIFEST").With("dependency", dep).
				Errorf("dependency %q is not a package name", dep)
		}
	}
	for _, pattern := range m.Exclude {
		if _, err := glob.Compile(pattern, '.'); err != nil {
			return oops.In("pkgconfig").Code("INVALID_MANIFEST").With("exclude", pattern).
				Hint("exclude entries are module name globs").Wrap(err)
		}
	}
	return nil
}

// Strings returns the list setting stored under key.
func (m *Manifest) Strings(key string) ([]string, bool) {
	switch key {
	case KeyDependencies:
		return m.Dependencies, m.Dependencies != nil
	case KeyExclude:
		return m.Exclude, m.Exclude != nil
	default:
		return nil, false
	}
}

// Setting keys understood by Strings.
const (
	KeyDependencies = "dependencies"
	KeyExclude      = "exclude"
)
