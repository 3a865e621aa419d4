// SPDX-License-Identifier: MIT
//
// Package hclspec loads node definitions from HCL files. Files may hold any
// number of node blocks; every decoded definition is validated before it is
// handed back, so a malformed file never reaches the registry.
package hclspec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/morphgrid/ctxlog"
	"github.com/vk/morphgrid/model"
	"github.com/vk/morphgrid/registry"
)

// Loader parses node definition files.
type Loader struct{}

// NewLoader creates a definition loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under the given paths and returns the decoded,
// validated definitions. Paths may be files or directories; missing paths
// are skipped.
func (l *Loader) Load(ctx context.Context, paths ...string) ([]*model.Definition, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered definition files.", "count", len(files))

	parser := hclparse.NewParser()
	var defs []*model.Definition

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %w", file, diags)
		}

		for _, block := range root.Nodes {
			def, err := translateNode(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if err := def.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			defs = append(defs, def)
		}
	}

	logger.Debug("HCL loading complete.", "definitions", len(defs))
	return defs, nil
}

// LoadInto loads definitions and registers each one, failing on the first
// duplicate identity.
func (l *Loader) LoadInto(ctx context.Context, reg *registry.Registry, paths ...string) (int, error) {
	defs, err := l.Load(ctx, paths...)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := reg.Put(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}

// findHCLFiles walks all given paths and returns a flat, deduplicated list
// of .hcl files.
func findHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && filepath.Ext(p) == ".hcl" {
					add(p)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else if filepath.Ext(path) == ".hcl" {
			add(path)
		}
	}
	return allFiles, nil
}
