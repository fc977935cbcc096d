// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package plugin holds the manifest model, the plugin registry, and the
// sandbox orchestrator that routes scan requests to execution backends.
package plugin

import (
	"os"
	"regexp"
	"strings"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Runtime identifies the execution backend a plugin declares.
type Runtime string

const (
	RuntimeWasm    Runtime = "wasm"
	RuntimeMicroVM Runtime = "microvm"
	RuntimeNative  Runtime = "native"
)

// validRuntimes enumerates recognized runtimes. Only wasm has an
// implementation today; the others fail closed at dispatch time.
var validRuntimes = map[Runtime]bool{
	RuntimeWasm:    true,
	RuntimeMicroVM: true,
	RuntimeNative:  true,
}

// FSCapability is the filesystem grant level for a sandboxed guest.
type FSCapability string

const (
	FSNone      FSCapability = "none"
	FSReadOnly  FSCapability = "readonly"
	FSReadWrite FSCapability = "readwrite"
)

var validFSCapabilities = map[FSCapability]bool{
	FSNone:      true,
	FSReadOnly:  true,
	FSReadWrite: true,
}

// sha256Re matches a full lowercase-or-uppercase hex SHA-256 digest.
var sha256Re = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Default resource limits applied when a manifest omits the field entirely.
const (
	DefaultMemoryMB       = 64
	DefaultTimeoutSeconds = 30
)

// Limits is the resource and capability policy the host enforces for one
// plugin invocation.
type Limits struct {
	// MemoryMB is the hard cap on the guest's linear memory.
	MemoryMB int
	// TimeoutSeconds is the wall-clock budget raced by the watchdog.
	TimeoutSeconds int
	// CapNet is reserved for future backends; the wasm backend never grants
	// network access regardless of its value.
	CapNet bool
	// CapFS is the filesystem grant level.
	CapFS FSCapability
	// SHA256 is the expected content hash of the module. Empty means
	// verification is skipped — an explicit, audited opt-out.
	SHA256 string
}

// Manifest is the declarative description of one installed plugin: identity
// plus the policy the host must enforce for it. Constructed once at parse
// time and immutable thereafter.
type Manifest struct {
	Name       string
	Version    string
	Runtime    Runtime
	Limits     Limits
	ModulePath string
	// Signature is reserved for future signature verification.
	Signature string
}

// rawManifest is the on-disk YAML shape. Numeric fields are pointers so that
// an omitted field takes the documented default while an explicit zero fails
// validation. Unknown fields are ignored.
type rawManifest struct {
	Name           string  `yaml:"name"`
	Version        string  `yaml:"version"`
	Runtime        string  `yaml:"runtime"`
	MemoryMB       *int    `yaml:"memory_mb"`
	TimeoutSeconds *int    `yaml:"timeout_seconds"`
	CapNet         *bool   `yaml:"cap_net"`
	CapFS          *string `yaml:"cap_fs"`
	WasmPath       string  `yaml:"wasm_path"`
	SHA256         string  `yaml:"sha256"`
	Signature      string  `yaml:"signature"`
}

// Load reads and parses one manifest file. No side effects beyond the read.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, chainerr.Wrapf(err, chainerr.CodeManifestReadFailure, "reading manifest %s", path)
	}
	return Parse(data)
}

// Parse parses YAML data into a Manifest, applies documented defaults, and
// validates. It fails closed: a missing or unrecognized runtime is an error,
// never a silent default.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, chainerr.Errorf(chainerr.CodeManifestParseInvalid, "manifest parse: %s", err)
	}

	m := &Manifest{
		Name:       raw.Name,
		Version:    raw.Version,
		Runtime:    Runtime(raw.Runtime),
		ModulePath: raw.WasmPath,
		Signature:  raw.Signature,
		Limits: Limits{
			MemoryMB:       DefaultMemoryMB,
			TimeoutSeconds: DefaultTimeoutSeconds,
			CapFS:          FSNone,
			SHA256:         raw.SHA256,
		},
	}

	if raw.MemoryMB != nil {
		m.Limits.MemoryMB = *raw.MemoryMB
	}
	if raw.TimeoutSeconds != nil {
		m.Limits.TimeoutSeconds = *raw.TimeoutSeconds
	}
	if raw.CapNet != nil {
		m.Limits.CapNet = *raw.CapNet
	}
	if raw.CapFS != nil {
		m.Limits.CapFS = FSCapability(*raw.CapFS)
	}

	if errs := m.Validate(); len(errs) > 0 {
		// Return the first validation error for simplicity.
		return nil, errs[0]
	}

	return m, nil
}

// Validate checks that the Manifest is well-formed. It returns all validation
// errors found rather than stopping at the first one.
func (m *Manifest) Validate() []error {
	var errs []error

	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: name must not be empty"))
	}

	if strings.TrimSpace(m.Version) == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: version must not be empty"))
	}

	if m.Runtime == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: runtime must not be empty"))
	} else if !validRuntimes[m.Runtime] {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: runtime must be one of [wasm, microvm, native], got %q", m.Runtime))
	}

	if !validFSCapabilities[m.Limits.CapFS] {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: cap_fs must be one of [none, readonly, readwrite], got %q", m.Limits.CapFS))
	}

	if m.Limits.MemoryMB <= 0 {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: memory_mb must be > 0, got %d", m.Limits.MemoryMB))
	}

	if m.Limits.TimeoutSeconds <= 0 {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: timeout_seconds must be > 0, got %d", m.Limits.TimeoutSeconds))
	}

	if m.Limits.SHA256 != "" && !sha256Re.MatchString(m.Limits.SHA256) {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: sha256 must be a 64-character hex digest, got %d characters", len(m.Limits.SHA256)))
	}

	if strings.TrimSpace(m.ModulePath) == "" {
		errs = append(errs, chainerr.Errorf(chainerr.CodeManifestValidateInvalid,
			"manifest validation: wasm_path must not be empty"))
	}

	return errs
}

// Verified reports whether this manifest declares a content hash. A manifest
// without one runs unverified — allowed, but audited at discovery time.
func (m *Manifest) Verified() bool {
	return m.Limits.SHA256 != ""
}
