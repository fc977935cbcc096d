// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package scan

import (
	"fmt"
	"strings"
)

// Validate checks that the Finding is structurally sound as it leaves the
// sandbox. It returns an error describing the first failure encountered, or
// nil if the finding is well-formed.
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("finding validation: id must not be empty")
	}
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("finding validation: title must not be empty")
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("finding validation: severity must be one of [info, low, medium, high, critical], got %q", f.Severity)
	}
	return nil
}

// Validate checks that a Request identifies a target. The context fields are
// intentionally unconstrained: chain RPC and block number are opaque to the
// host and interpreted only by the detector.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("request validation: target must not be empty")
	}
	return nil
}

// Validate checks the application-level job envelope.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job validation: id must not be empty")
	}
	if len(j.Payload) == 0 {
		return fmt.Errorf("job validation: payload must not be empty")
	}
	if j.SchemaVersion == "" {
		return fmt.Errorf("job validation: schema_version must not be empty")
	}
	return nil
}
