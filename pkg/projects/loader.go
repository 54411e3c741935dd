// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package projects

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

type projectsFile struct {
	Projects []Project `yaml:"projects" json:"projects" toml:"projects"`
}

// LoadFile reads project definitions from path. The format is chosen from the
// extension: .yaml/.yml, .json/.jsonc/.hujson (comments and trailing commas
// allowed) or .toml.
func LoadFile(path string) ([]Project, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}
	projects, err := Parse(filepath.Ext(path), content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse projects file %s: %w", path, err)
	}
	return projects, nil
}

// Parse decodes project definitions in the format named by ext.
func Parse(ext string, content []byte) ([]Project, error) {
	var file projectsFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &file); err != nil {
			return nil, err
		}
	case ".json", ".jsonc", ".hujson":
		standard, err := hujson.Standardize(content)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(standard, &file); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(content, &file); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported projects file format %q", ext)
	}

	for i := range file.Projects {
		if err := file.Projects[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Projects, nil
}
