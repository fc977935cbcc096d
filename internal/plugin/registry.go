// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
)

// Source yields the manifests installed under one plugin origin.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Manifests parses every manifest the source holds. A single malformed
	// manifest is logged and skipped, never aborting the rest.
	Manifests(ctx context.Context) ([]*Manifest, error)
}

// Metadata is the caller-visible view of one registered plugin. It carries no
// filesystem paths: those stay inside the trust boundary.
type Metadata struct {
	Version      string
	Runtime      Runtime
	Enabled      bool
	NeedsNetwork bool
	Verified     bool
}

type entry struct {
	manifest *Manifest
	enabled  bool
	source   string
}

// Registry tracks installed plugins. It is explicitly constructed and passed
// by reference; tests build isolated instances in parallel.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	plugins map[string]*entry
}

// NewRegistry creates a registry over the given sources. Call Discover to
// populate it.
func NewRegistry(sources ...Source) *Registry {
	return &Registry{
		sources: sources,
		plugins: make(map[string]*entry),
	}
}

// Discover parses every manifest from every source and registers it under its
// declared name. Duplicate names across sources: last registered wins, and
// the shadowing is logged — silently replacing a plugin is itself a
// security-relevant event. Newly discovered plugins start enabled; a plugin
// seen before keeps its enabled state.
func (r *Registry) Discover(ctx context.Context) error {
	for _, src := range r.sources {
		manifests, err := src.Manifests(ctx)
		if err != nil {
			return chainerr.Wrapf(err, chainerr.CodeRegistryDiscoveryFailure,
				"discovering plugins from source %s", src.Name())
		}

		for _, m := range manifests {
			r.register(m, src.Name())
		}
	}

	return nil
}

func (r *Registry) register(m *Manifest, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.plugins[m.Name]; ok {
		// A re-discovery of the identical manifest from the same source is a
		// quiet refresh; a content change, or the same name arriving from a
		// different source, replaces a plugin and must be observable.
		changed := prev.manifest.Version != m.Version || prev.manifest.ModulePath != m.ModulePath ||
			prev.manifest.Limits.SHA256 != m.Limits.SHA256
		if changed || prev.source != source {
			slog.Warn("plugin shadowed by later registration",
				"plugin", m.Name,
				"source", source,
				"previous_source", prev.source,
				"previous_version", prev.manifest.Version,
				"new_version", m.Version,
				"audit", true)
		}
		prev.manifest = m
		prev.source = source
		return
	}

	if !m.Verified() {
		slog.Warn("plugin has no sha256: integrity verification will be skipped",
			"plugin", m.Name,
			"source", source,
			"audit", true)
	}

	r.plugins[m.Name] = &entry{manifest: m, enabled: true, source: source}
}

// List returns a read-only snapshot of everything registered.
func (r *Registry) List() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Metadata, len(r.plugins))
	for name, e := range r.plugins {
		out[name] = Metadata{
			Version:      e.manifest.Version,
			Runtime:      e.manifest.Runtime,
			Enabled:      e.enabled,
			NeedsNetwork: e.manifest.Limits.CapNet,
			Verified:     e.manifest.Verified(),
		}
	}

	return out
}

// Get returns the manifest registered under name.
func (r *Registry) Get(name string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[name]
	if !ok {
		return nil, chainerr.Errorf(chainerr.CodeRegistryPluginNotFound, "plugin %q not found", name)
	}

	return e.manifest, nil
}

// Enabled returns the manifests of all enabled plugins, sorted by name for
// deterministic iteration.
func (r *Registry) Enabled() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Manifest
	for _, e := range r.plugins {
		if e.enabled {
			out = append(out, e.manifest)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// SetEnabled toggles a registered plugin.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.plugins[name]
	if !ok {
		return chainerr.Errorf(chainerr.CodeRegistryPluginNotFound, "plugin %q not found", name)
	}

	e.enabled = enabled

	return nil
}

// DirSource discovers manifests under a filesystem directory: one
// subdirectory per plugin holding plugin.yaml, plus any top-level *.yaml
// files. Relative wasm_path entries resolve against the manifest's directory.
type DirSource struct {
	Dir string
}

func (s DirSource) Name() string { return "dir:" + s.Dir }

func (s DirSource) Manifests(ctx context.Context) ([]*Manifest, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, chainerr.Wrap(err, chainerr.CodeRegistryDiscoveryFailure, "reading plugins directory")
	}

	var manifests []*Manifest

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, chainerr.Wrap(err, chainerr.CodeRegistryDiscoveryFailure, "discovery cancelled")
		}

		var manifestPath string
		switch {
		case entry.IsDir():
			manifestPath = filepath.Join(s.Dir, entry.Name(), "plugin.yaml")
		case strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml"):
			manifestPath = filepath.Join(s.Dir, entry.Name())
		default:
			continue
		}

		m, err := Load(manifestPath)
		if err != nil {
			// A plugin subdirectory without a plugin.yaml is not a plugin.
			if entry.IsDir() && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			slog.Warn("skipping plugin: invalid manifest",
				"path", manifestPath, "error", err)
			continue
		}

		if !filepath.IsAbs(m.ModulePath) {
			m.ModulePath = filepath.Join(filepath.Dir(manifestPath), m.ModulePath)
		}

		manifests = append(manifests, m)
	}

	return manifests, nil
}

// BundledSource exposes a fixed, pre-parsed set of manifests (packaged
// plugins compiled into the binary or shipped alongside it).
type BundledSource struct {
	Label   string
	Bundled []*Manifest
}

func (s BundledSource) Name() string { return "bundle:" + s.Label }

func (s BundledSource) Manifests(_ context.Context) ([]*Manifest, error) {
	return s.Bundled, nil
}
