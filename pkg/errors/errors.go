// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeManifestParseInvalid    Code = "plugin.manifest.parse.invalid"
	CodeManifestValidateInvalid Code = "plugin.manifest.validate.invalid"
	CodeManifestReadFailure     Code = "plugin.manifest.read.failure"

	CodeRegistryDiscoveryFailure Code = "plugin.registry.discovery.failure"
	CodeRegistryPluginNotFound   Code = "plugin.registry.get.not_found"
	CodeRegistryWatchFailure     Code = "plugin.registry.watch.failure"

	CodeSandboxIntegrityMismatch Code = "sandbox.integrity.mismatch"
	CodeSandboxTimeout           Code = "sandbox.execution.timeout"
	CodeSandboxTrap              Code = "sandbox.execution.trap"
	CodeSandboxIOInvalid         Code = "sandbox.io.invalid"
	CodeSandboxSetupFailure      Code = "sandbox.setup.failure"

	CodeRuntimeUnsupported Code = "orchestrator.runtime.unsupported"

	CodeQueueTransportFailure Code = "queue.transport.failure"
	CodeQueueEnqueueFailure   Code = "queue.enqueue.failure"
	CodeQueueAckInvalid       Code = "queue.ack.invalid_input"
	CodeQueueEntryInvalid     Code = "queue.entry.invalid_format"

	CodeStoreOpenFailure  Code = "store.open.failure"
	CodeStoreWriteFailure Code = "store.write.failure"
	CodeStoreReadFailure  Code = "store.read.failure"
	CodeStoreNotFound     Code = "store.outcome.get.not_found"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeWorkerInternalFailure Code = "worker.internal.failure"
	CodeWorkerInputInvalid    Code = "worker.input.invalid_input"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
}

func FieldJobID(value string) Attr {
	return Field("job_id", value)
}

func FieldDeliveryID(value string) Attr {
	return Field("delivery_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeWorkerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsIntegrity reports a content-hash mismatch. Never retried automatically.
func IsIntegrity(err error) bool {
	return reason(CodeOf(err)) == "mismatch"
}

// IsTimeout reports a watchdog-initiated budget drain. Safe to retry above.
func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsTrap reports a guest-caused fault unrelated to the watchdog.
func IsTrap(err error) bool {
	return reason(CodeOf(err)) == "trap"
}

// IsIO reports a protocol violation by the plugin or a host-side I/O failure.
func IsIO(err error) bool {
	code := CodeOf(err)
	return strings.HasPrefix(string(code), "sandbox.io.") ||
		reason(code) == "invalid_format"
}

func IsUnsupported(err error) bool {
	return reason(CodeOf(err)) == "unsupported"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsTransportFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "transport") && reason(code) == "failure"
}

func Join(errs ...error) error {
	return oops.Code(CodeWorkerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
