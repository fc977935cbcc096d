// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chainscan-dev/chainscan/internal/metrics"
	"github.com/chainscan-dev/chainscan/internal/plugin"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

// Backend is this runtime's name in manifests and metrics labels.
const Backend = "wasm"

// StageFunc seeds a guest's ephemeral directory before capability
// restrictions are applied (pre-loading contract sources, ABIs, state dumps).
type StageFunc func(dir string, req scan.Request) error

// Sandbox executes untrusted WebAssembly detector modules under the limits a
// manifest declares. A zero-value Sandbox is not usable; construct with New.
type Sandbox struct {
	tmpRoot string
	stage   StageFunc
	metrics *metrics.Metrics
	runner  guestRunner
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTmpRoot places ephemeral guest directories under dir instead of the
// system default. Each execution still gets its own private subdirectory.
func WithTmpRoot(dir string) Option {
	return func(s *Sandbox) { s.tmpRoot = dir }
}

// WithStaging installs a hook that populates a guest's ephemeral directory
// before execution. Only called for filesystem capabilities above none.
func WithStaging(fn StageFunc) Option {
	return func(s *Sandbox) { s.stage = fn }
}

// WithMetrics records execution durations and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sandbox) { s.metrics = m }
}

// New creates a wasm sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{runner: wazeroRunner{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes the module at modulePath against req under limits and returns
// the findings the guest reported. Failures are always one of the closed
// error kinds: integrity mismatch, timeout, trap, or I/O protocol violation.
// A misbehaving plugin never crashes the host.
//
// Cancelling ctx drains the execution budget exactly like a watchdog fire:
// the guest traps at its next instruction boundary.
func (s *Sandbox) Run(ctx context.Context, modulePath string, req scan.Request, limits plugin.Limits) ([]scan.Finding, error) {
	start := time.Now()
	findings, err := s.run(ctx, modulePath, req, limits)
	s.metrics.ObserveExecution(Backend, outcomeOf(err), time.Since(start))
	return findings, err
}

func (s *Sandbox) run(ctx context.Context, modulePath string, req scan.Request, limits plugin.Limits) ([]scan.Finding, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, chainerr.Wrapf(err, chainerr.CodeSandboxIOInvalid, "reading module %s", modulePath)
	}

	// Integrity gate. Runs before the module is parsed or instantiated; a
	// declared hash that mismatches means the bytes never reach the runtime.
	if limits.SHA256 != "" {
		sum := sha256.Sum256(wasmBytes)
		actual := hex.EncodeToString(sum[:])
		if !strings.EqualFold(actual, limits.SHA256) {
			return nil, chainerr.New(chainerr.CodeSandboxIntegrityMismatch, "module hash mismatch",
				chainerr.Field("module", modulePath),
				chainerr.Field("expected", strings.ToLower(limits.SHA256)),
				chainerr.Field("actual", actual))
		}
	} else {
		slog.Warn("executing module without integrity verification",
			"module", modulePath, "audit", true)
	}

	spec := runSpec{
		name:     guestName(modulePath),
		memoryMB: limits.MemoryMB,
	}

	// Filesystem capability. The ephemeral directory is private to this
	// execution and removed on every exit path, success or failure.
	if limits.CapFS != plugin.FSNone {
		dir, err := os.MkdirTemp(s.tmpRoot, "chainscan-guest-")
		if err != nil {
			return nil, chainerr.Wrap(err, chainerr.CodeSandboxSetupFailure, "creating guest directory")
		}
		defer func() {
			// Restore write permission so removal succeeds after a
			// readonly grant.
			_ = os.Chmod(dir, 0o700)
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("removing guest directory", "dir", dir, "error", err)
			}
		}()

		if s.stage != nil {
			if err := s.stage(dir, req); err != nil {
				return nil, chainerr.Wrap(err, chainerr.CodeSandboxSetupFailure, "staging guest directory")
			}
		}

		if limits.CapFS == plugin.FSReadOnly {
			if err := os.Chmod(dir, 0o555); err != nil {
				return nil, chainerr.Wrap(err, chainerr.CodeSandboxSetupFailure, "marking guest directory read-only")
			}
		}

		spec.mountDir = dir
		spec.mountReadOnly = limits.CapFS == plugin.FSReadOnly
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, chainerr.Wrap(err, chainerr.CodeSandboxIOInvalid, "serializing request")
	}
	spec.stdin = stdin

	// Watchdog race. The guest cannot be preempted mid-instruction, so the
	// watchdog drains the budget by cancelling the execution context; the
	// runtime then traps the guest at its next instruction boundary. The
	// caller's own cancellation threads through the same mechanism.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := time.Duration(limits.TimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	watchdogFired := make(chan struct{})
	guestDone := make(chan struct{})

	go func() {
		select {
		case <-timer.C:
			close(watchdogFired)
			cancel()
		case <-guestDone:
		}
	}()

	stdout, stderr, runErr := s.runner.Run(execCtx, wasmBytes, spec)
	close(guestDone)

	timedOut := false
	select {
	case <-watchdogFired:
		timedOut = true
	default:
	}

	if runErr != nil {
		switch {
		case timedOut:
			return nil, chainerr.Wrap(runErr, chainerr.CodeSandboxTimeout, "execution budget exhausted",
				chainerr.Field("timeout_seconds", limits.TimeoutSeconds))
		case ctx.Err() != nil:
			return nil, chainerr.Wrap(runErr, chainerr.CodeSandboxTimeout, "execution cancelled by caller")
		default:
			return nil, chainerr.Wrap(runErr, chainerr.CodeSandboxTrap, "guest trapped",
				chainerr.Field("stderr", truncate(string(stderr), 512)))
		}
	}

	// Output is decoded only after execution has fully stopped; a live or
	// partial stream is never parsed.
	var out scan.Output
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, chainerr.Wrap(err, chainerr.CodeSandboxIOInvalid, "plugin wrote malformed output",
			chainerr.Field("stdout_bytes", len(stdout)))
	}

	return out.Findings, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case chainerr.IsIntegrity(err):
		return metrics.OutcomeIntegrity
	case chainerr.IsTimeout(err):
		return metrics.OutcomeTimeout
	case chainerr.IsTrap(err):
		return metrics.OutcomeTrap
	case chainerr.IsIO(err):
		return metrics.OutcomeIO
	default:
		return metrics.OutcomeError
	}
}

func guestName(modulePath string) string {
	base := modulePath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	return strings.TrimSuffix(base, ".wasm")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
