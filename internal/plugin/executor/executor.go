// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package executor routes a scan request to the execution backend a plugin's
// manifest declares and converts raw plugin output into typed findings.
package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chainscan-dev/chainscan/internal/plugin"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

// Backend executes one module under the declared limits. The wasm sandbox is
// the only implementation today; micro-VM and native backends slot in here.
type Backend interface {
	Run(ctx context.Context, modulePath string, req scan.Request, limits plugin.Limits) ([]scan.Finding, error)
}

// Executor dispatches plugin executions by declared runtime.
type Executor struct {
	wasm Backend
}

// New creates an executor over the given wasm backend.
func New(wasmBackend Backend) *Executor {
	return &Executor{wasm: wasmBackend}
}

// Execute runs one plugin against target and returns its validated findings.
// An unrecognized or unimplemented runtime fails closed rather than silently
// skipping the plugin.
func (e *Executor) Execute(ctx context.Context, m *plugin.Manifest, target string, sctx scan.Context) ([]scan.Finding, error) {
	req := scan.Request{Target: target, Context: sctx}
	if err := req.Validate(); err != nil {
		return nil, chainerr.Wrap(err, chainerr.CodeWorkerInputInvalid, "building scan request")
	}

	var backend Backend
	switch m.Runtime {
	case plugin.RuntimeWasm:
		backend = e.wasm
	default:
		return nil, chainerr.Errorf(chainerr.CodeRuntimeUnsupported,
			"plugin %s declares runtime %q which has no implementation", m.Name, m.Runtime)
	}

	findings, err := backend.Run(ctx, m.ModulePath, req, m.Limits)
	if err != nil {
		return nil, chainerr.With(err, chainerr.FieldPlugin(m.Name))
	}

	// Structural validation on the way out of the sandbox. An invalid
	// severity is a protocol error by the plugin, never coerced.
	for i := range findings {
		if err := findings[i].Validate(); err != nil {
			return nil, chainerr.Wrapf(err, chainerr.CodeSandboxIOInvalid,
				"plugin %s emitted invalid finding %d", m.Name, i)
		}
	}

	return findings, nil
}

// ExecuteAll runs every manifest concurrently, each fully isolated, and
// returns one Result per plugin in input order. A failing plugin records its
// error alongside the successful siblings' findings; it never blanks out the
// scan.
func (e *Executor) ExecuteAll(ctx context.Context, manifests []*plugin.Manifest, target string, sctx scan.Context) []scan.Result {
	results := make([]scan.Result, len(manifests))

	var wg sync.WaitGroup
	for i, m := range manifests {
		wg.Add(1)
		go func(i int, m *plugin.Manifest) {
			defer wg.Done()

			findings, err := e.Execute(ctx, m, target, sctx)
			if err != nil {
				slog.Warn("plugin execution failed",
					"plugin", m.Name, "code", chainerr.CodeOf(err), "error", err)
			}
			results[i] = scan.Result{Plugin: m.Name, Findings: findings, Err: err}
		}(i, m)
	}
	wg.Wait()

	return results
}
