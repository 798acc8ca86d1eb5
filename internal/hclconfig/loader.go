package hclconfig

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/view"
)

// Config is everything loaded from a set of configuration paths.
type Config struct {
	Functions  *function.Registry
	MarketData *marketdata.Snapshot
	Views      map[string]*view.Definition
	// Files lists the files the configuration was read from.
	Files []string
}

// View returns the named view.
func (c *Config) View(name string) (*view.Definition, error) {
	v, ok := c.Views[name]
	if !ok {
		return nil, fmt.Errorf("view %q is not defined, known views: %v", name, c.ViewNames())
	}
	return v, nil
}

// ViewNames returns the defined view names, sorted.
func (c *Config) ViewNames() []string {
	return slices.Sorted(maps.Keys(c.Views))
}

// Load reads every .hcl file under paths. Directories are walked
// recursively and paths that do not exist are skipped.
func Load(ctx context.Context, paths ...string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	cfg := &Config{
		Functions:  function.NewRegistry(),
		MarketData: marketdata.NewSnapshot(),
		Views:      make(map[string]*view.Definition),
	}

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))
	cfg.Files = files

	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, fb := range root.Functions {
			fn, err := translateFunction(ctx, fb)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if err := cfg.Functions.RegisterFunction(fn); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}
		for _, mb := range root.MarketData {
			if err := putMarketData(cfg.MarketData, mb); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}
		for _, vb := range root.Views {
			if _, dup := cfg.Views[vb.Name]; dup {
				return nil, fmt.Errorf("%s: view %q is defined more than once", file, vb.Name)
			}
			def, err := translateView(vb)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			cfg.Views[def.Name] = def
		}
	}

	if err := cfg.Functions.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid function catalog: %w", err)
	}
	logger.Debug("HCL loading complete.", "functions", cfg.Functions.Len(),
		"market_data", cfg.MarketData.Len(), "views", len(cfg.Views))
	return cfg, nil
}

// findHCLFiles walks all given paths and returns a flat list of the .hcl
// files found, each once.
func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			files = append(files, p)
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
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
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
	}
	return files, nil
}
