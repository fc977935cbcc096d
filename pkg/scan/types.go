// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package scan provides the value objects exchanged between the host,
// sandboxed detector plugins, and the scan job queue: requests, findings,
// queue job payloads, and per-plugin results.
package scan

import (
	"encoding/json"
	"time"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
)

// SchemaVersion tags queue entries and job payloads.
const SchemaVersion = "1.0"

// Severity classifies a finding. The set is closed: anything outside it is a
// protocol violation by the plugin, never coerced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// validSeverities enumerates recognized severities.
var validSeverities = map[Severity]bool{
	SeverityInfo:     true,
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// Valid reports whether s is one of the closed severity values.
func (s Severity) Valid() bool {
	return validSeverities[s]
}

// ParseSeverity converts raw detector output to a Severity. Fails closed on
// anything outside the set.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if !s.Valid() {
		return "", chainerr.Errorf(chainerr.CodeSandboxIOInvalid, "unknown severity %q", raw)
	}
	return s, nil
}

// Finding is a single structured unit of detector output. Produced only by
// plugins; the host validates structure on the way out of the sandbox and
// never mutates the content.
type Finding struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Context carries the chain-level environment a detector runs against.
type Context struct {
	ChainRPCURL string `json:"chain_rpc"`
	BlockNumber *int64 `json:"block_number"`
	WorkDir     string `json:"workdir"`
}

// Request is the sandbox input: one JSON document fed to the guest's stdin.
// Never mutated after construction.
type Request struct {
	Target  string  `json:"target"`
	Context Context `json:"context"`
}

// Output is the one JSON document a guest writes to stdout before exiting.
// There is no streaming protocol; partial output is undefined behavior.
type Output struct {
	Findings []Finding `json:"findings"`
}

// Job is the application-level queue payload. Its ID correlates outcomes
// across the system and is distinct from the queue's delivery id, which is
// what acknowledgment is keyed by.
type Job struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	SchemaVersion string          `json:"schema_version"`
}

// Result is the outcome of one plugin invocation for one job. A scan with a
// failed plugin still carries the successful siblings' findings; the failure
// rides alongside in Err.
type Result struct {
	Plugin   string
	Findings []Finding
	Err      error
}
