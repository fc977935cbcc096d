// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainscan-dev/chainscan/internal/plugin"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner stands in for the wazero runner so the pipeline around it can
// be pinned without real guests.
type fakeRunner struct {
	calls   int
	spec    runSpec
	stdout  []byte
	stderr  []byte
	err     error
	block   bool // wait for ctx cancellation before returning
	inspect func(spec runSpec)
}

func (f *fakeRunner) Run(ctx context.Context, _ []byte, spec runSpec) ([]byte, []byte, error) {
	f.calls++
	f.spec = spec
	if f.inspect != nil {
		f.inspect(spec)
	}
	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return f.stdout, f.stderr, f.err
}

func writeModule(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guest.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func limitsWith(mutate func(*plugin.Limits)) plugin.Limits {
	l := plugin.Limits{
		MemoryMB:       16,
		TimeoutSeconds: 5,
		CapFS:          plugin.FSNone,
	}
	if mutate != nil {
		mutate(&l)
	}
	return l
}

func testRequest() scan.Request {
	return scan.Request{
		Target:  "0xabc",
		Context: scan.Context{ChainRPCURL: "http://x", WorkDir: "/tmp"},
	}
}

func newTestSandbox(t *testing.T, runner guestRunner, opts ...Option) *Sandbox {
	t.Helper()
	s := New(append(opts, WithTmpRoot(t.TempDir()))...)
	if runner != nil {
		s.runner = runner
	}
	return s
}

func TestRun_IntegrityMismatchNeverInstantiates(t *testing.T) {
	module := []byte("not really wasm")
	path := writeModule(t, module)

	fake := &fakeRunner{}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.SHA256 = hashOf([]byte("different bytes"))
	}))

	require.Error(t, err)
	assert.Equal(t, chainerr.CodeSandboxIntegrityMismatch, chainerr.CodeOf(err))
	assert.Zero(t, fake.calls, "module must never be instantiated on hash mismatch")
}

func TestRun_IntegrityMatchProceeds(t *testing.T) {
	module := []byte("module bytes")
	path := writeModule(t, module)

	fake := &fakeRunner{stdout: []byte(`{"findings":[]}`)}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.SHA256 = hashOf(module)
	}))

	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestRun_IntegrityHashCaseInsensitive(t *testing.T) {
	module := []byte("module bytes")
	path := writeModule(t, module)

	fake := &fakeRunner{stdout: []byte(`{"findings":[]}`)}
	s := newTestSandbox(t, fake)

	upper := limitsWith(func(l *plugin.Limits) {
		l.SHA256 = hashOf(module)
	})
	upper.SHA256 = strUpper(upper.SHA256)

	_, err := s.Run(context.Background(), path, testRequest(), upper)
	require.NoError(t, err)
}

func strUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'f' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func TestRun_MissingModuleIsIOError(t *testing.T) {
	s := newTestSandbox(t, &fakeRunner{})

	_, err := s.Run(context.Background(), filepath.Join(t.TempDir(), "absent.wasm"), testRequest(), limitsWith(nil))

	require.Error(t, err)
	assert.True(t, chainerr.IsIO(err))
}

func TestRun_StdinCarriesWireProtocol(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{stdout: []byte(`{"findings":[]}`)}
	s := newTestSandbox(t, fake)

	block := int64(100)
	req := scan.Request{
		Target:  "0xdeadbeef",
		Context: scan.Context{ChainRPCURL: "http://rpc", BlockNumber: &block, WorkDir: "/work"},
	}

	_, err := s.Run(context.Background(), path, req, limitsWith(nil))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fake.spec.stdin, &decoded))
	assert.Equal(t, "0xdeadbeef", decoded["target"])
	ctx := decoded["context"].(map[string]any)
	assert.Equal(t, "http://rpc", ctx["chain_rpc"])
	assert.Equal(t, float64(100), ctx["block_number"])
	assert.Equal(t, "/work", ctx["workdir"])
}

func TestRun_FSCapabilityNone(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{stdout: []byte(`{"findings":[]}`)}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(nil))
	require.NoError(t, err)
	assert.Empty(t, fake.spec.mountDir, "cap_fs=none must expose no filesystem at all")
}

func TestRun_FSCapabilityReadOnly(t *testing.T) {
	path := writeModule(t, []byte("m"))
	tmpRoot := t.TempDir()

	staged := ""
	fake := &fakeRunner{
		stdout: []byte(`{"findings":[]}`),
		inspect: func(spec runSpec) {
			info, err := os.Stat(spec.mountDir)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o555), info.Mode().Perm(), "dir must be read-only at the OS level")

			// Pre-seeded file is readable inside the mount.
			data, err := os.ReadFile(filepath.Join(spec.mountDir, "seed.txt"))
			require.NoError(t, err)
			assert.Equal(t, "seeded", string(data))
		},
	}

	s := New(
		WithTmpRoot(tmpRoot),
		WithStaging(func(dir string, _ scan.Request) error {
			staged = dir
			return os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seeded"), 0o644)
		}),
	)
	s.runner = fake

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.CapFS = plugin.FSReadOnly
	}))
	require.NoError(t, err)

	assert.True(t, fake.spec.mountReadOnly)
	require.NotEmpty(t, staged)
	_, statErr := os.Stat(staged)
	assert.True(t, os.IsNotExist(statErr), "ephemeral dir must be removed after run")
}

func TestRun_FSCapabilityReadWrite(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{
		stdout: []byte(`{"findings":[]}`),
		inspect: func(spec runSpec) {
			// Writable during execution.
			require.NoError(t, os.WriteFile(filepath.Join(spec.mountDir, "out.txt"), []byte("x"), 0o644))
		},
	}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.CapFS = plugin.FSReadWrite
	}))
	require.NoError(t, err)

	assert.False(t, fake.spec.mountReadOnly)
	_, statErr := os.Stat(fake.spec.mountDir)
	assert.True(t, os.IsNotExist(statErr), "ephemeral dir must be removed after run")
}

func TestRun_EphemeralDirRemovedOnTrap(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{err: errors.New("wasm trap: unreachable")}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.CapFS = plugin.FSReadWrite
	}))
	require.Error(t, err)
	assert.Equal(t, chainerr.CodeSandboxTrap, chainerr.CodeOf(err))

	require.NotEmpty(t, fake.spec.mountDir)
	_, statErr := os.Stat(fake.spec.mountDir)
	assert.True(t, os.IsNotExist(statErr), "ephemeral dir must be removed on failure paths too")
}

func TestRun_WatchdogClassifiesTimeout(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{block: true}
	s := newTestSandbox(t, fake)

	start := time.Now()
	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.TimeoutSeconds = 1
	}))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, chainerr.CodeSandboxTimeout, chainerr.CodeOf(err))
	assert.Less(t, elapsed, 5*time.Second, "timeout must be bounded, not hang")
	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
}

func TestRun_CallerCancellationClassifiesTimeout(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{block: true}
	s := newTestSandbox(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.Run(ctx, path, testRequest(), limitsWith(func(l *plugin.Limits) {
		l.TimeoutSeconds = 60
	}))

	require.Error(t, err)
	assert.True(t, chainerr.IsTimeout(err), "mid-flight cancellation drains the budget like a timeout")
}

func TestRun_TrapNotConfusedWithTimeout(t *testing.T) {
	path := writeModule(t, []byte("m"))

	fake := &fakeRunner{err: errors.New("wasm trap: out of bounds memory access")}
	s := newTestSandbox(t, fake)

	_, err := s.Run(context.Background(), path, testRequest(), limitsWith(nil))

	require.Error(t, err)
	assert.True(t, chainerr.IsTrap(err))
	assert.False(t, chainerr.IsTimeout(err))
}

func TestRun_MalformedOutputIsIOError(t *testing.T) {
	path := writeModule(t, []byte("m"))

	tests := []struct {
		name   string
		stdout []byte
	}{
		{"empty", nil},
		{"partial json", []byte(`{"findings":[`)},
		{"not json", []byte("findings: none")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRunner{stdout: tt.stdout}
			s := newTestSandbox(t, fake)

			_, err := s.Run(context.Background(), path, testRequest(), limitsWith(nil))
			require.Error(t, err)
			assert.Equal(t, chainerr.CodeSandboxIOInvalid, chainerr.CodeOf(err))
		})
	}
}

func TestRun_EndToEndEcho(t *testing.T) {
	module := []byte("echo module")
	path := writeModule(t, module)

	fake := &fakeRunner{
		stdout: []byte(`{"findings":[{"id":"x","title":"t","severity":"low","description":"d","metadata":{}}]}`),
	}
	s := newTestSandbox(t, fake)

	limits := plugin.Limits{
		MemoryMB:       16,
		TimeoutSeconds: 2,
		CapFS:          plugin.FSNone,
		SHA256:         hashOf(module),
	}

	findings, err := s.Run(context.Background(), path, testRequest(), limits)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "x", findings[0].ID)
	assert.Equal(t, scan.SeverityLow, findings[0].Severity)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "success", outcomeOf(nil))
	assert.Equal(t, "integrity", outcomeOf(chainerr.New(chainerr.CodeSandboxIntegrityMismatch, "x")))
	assert.Equal(t, "timeout", outcomeOf(chainerr.New(chainerr.CodeSandboxTimeout, "x")))
	assert.Equal(t, "trap", outcomeOf(chainerr.New(chainerr.CodeSandboxTrap, "x")))
	assert.Equal(t, "io", outcomeOf(chainerr.New(chainerr.CodeSandboxIOInvalid, "x")))
	assert.Equal(t, "error", outcomeOf(errors.New("plain")))
}

func TestGuestName(t *testing.T) {
	assert.Equal(t, "reentrancy", guestName("/opt/plugins/reentrancy.wasm"))
	assert.Equal(t, "bare", guestName("bare.wasm"))
	assert.Equal(t, "noext", guestName("noext"))
}
