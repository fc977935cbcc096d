// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package wasm implements the metered WebAssembly sandbox backend: integrity
// gating, capability-scoped filesystem, piped stdio, and a watchdog race that
// bounds every execution.
package wasm

import (
	"bytes"
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
)

// wasmPageSize is the WebAssembly linear memory page size.
const wasmPageSize = 64 * 1024

// maxMemoryPages is the architectural ceiling for 32-bit linear memory.
const maxMemoryPages = 65536

// runSpec is everything the guest runner needs for one isolated execution.
type runSpec struct {
	name          string
	memoryMB      int
	stdin         []byte
	mountDir      string
	mountReadOnly bool
}

// guestRunner compiles and executes module bytes under a configured store,
// returning captured stdout/stderr only after execution has fully stopped.
// The seam exists so the pipeline around it is testable without real guests.
type guestRunner interface {
	Run(ctx context.Context, wasmBytes []byte, spec runSpec) (stdout, stderr []byte, err error)
}

// wazeroRunner is the production runner. Each call builds a fresh runtime:
// no store, memory, or compilation cache is ever shared across executions,
// even for the same plugin.
type wazeroRunner struct{}

func (wazeroRunner) Run(ctx context.Context, wasmBytes []byte, spec runSpec) ([]byte, []byte, error) {
	pages := uint32(maxMemoryPages)
	if mp := spec.memoryMB * (1024 * 1024 / wasmPageSize); mp > 0 && mp < maxMemoryPages {
		pages = uint32(mp)
	}

	// WithCloseOnContextDone is the execution budget: when the watchdog
	// cancels the context, the guest traps at its next instruction boundary
	// instead of being torn down mid-instruction.
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer runtime.Close(context.Background())

	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	var stdout, stderr bytes.Buffer

	modCfg := wazero.NewModuleConfig().
		WithName(spec.name).
		WithArgs(spec.name).
		WithStdin(bytes.NewReader(spec.stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	if spec.mountDir != "" {
		fsCfg := wazero.NewFSConfig()
		if spec.mountReadOnly {
			fsCfg = fsCfg.WithReadOnlyDirMount(spec.mountDir, "/")
		} else {
			fsCfg = fsCfg.WithDirMount(spec.mountDir, "/")
		}
		modCfg = modCfg.WithFSConfig(fsCfg)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, nil, chainerr.Wrap(err, chainerr.CodeSandboxTrap, "compiling module")
	}

	// InstantiateModule runs the WASI _start entry point.
	mod, err := runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		// A clean proc_exit(0) surfaces as an ExitError; it is success.
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			return stdout.Bytes(), stderr.Bytes(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), err
	}

	return stdout.Bytes(), stderr.Bytes(), nil
}
