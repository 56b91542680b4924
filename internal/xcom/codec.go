// Package xcom implements the inter-task data exchange codec. Values written
// through the execution boundary are JSON documents without exception; rows
// produced before the JSON-only invariant are readable through a best-effort
// legacy decoder until the archive relation is dropped.
package xcom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	serializationErrorMessageTemplateConstant = "value is not representable as JSON: %s"
	decodeErrorMessageTemplateConstant        = "stored payload is not valid JSON: %s"
	emptyPayloadMessageConstant               = "xcom payload is empty"
)

// ErrEmptyPayload indicates a decode request carried no payload bytes.
var ErrEmptyPayload = errors.New(emptyPayloadMessageConstant)

// SerializationError reports a value the JSON-only write path refuses to encode.
type SerializationError struct {
	Cause error
}

// Error describes the refused encoding.
func (serializationError SerializationError) Error() string {
	return fmt.Sprintf(serializationErrorMessageTemplateConstant, serializationError.Cause)
}

// Unwrap exposes the underlying encoder failure.
func (serializationError SerializationError) Unwrap() error {
	return serializationError.Cause
}

// DecodeError reports a stored payload the strict JSON read path cannot parse.
type DecodeError struct {
	Cause error
}

// Error describes the parse failure.
func (decodeError DecodeError) Error() string {
	return fmt.Sprintf(decodeErrorMessageTemplateConstant, decodeError.Cause)
}

// Unwrap exposes the underlying parser failure.
func (decodeError DecodeError) Unwrap() error {
	return decodeError.Cause
}

// Encode serializes a JSON-representable value for storage. Any value the
// encoder cannot represent fails with SerializationError; no binary fallback
// exists on the write path.
func Encode(value any) ([]byte, error) {
	encoded, encodingError := json.Marshal(value)
	if encodingError != nil {
		return nil, SerializationError{Cause: encodingError}
	}
	return encoded, nil
}

// Decode parses a stored payload. Non-archived payloads are strict JSON;
// archived payloads flow through the read-only legacy decoder and callers must
// treat the result as best effort.
func Decode(payload []byte, archived bool) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	if archived {
		return decodeLegacyPayload(payload)
	}

	var decoded any
	if unmarshalError := json.Unmarshal(payload, &decoded); unmarshalError != nil {
		return nil, DecodeError{Cause: unmarshalError}
	}
	return decoded, nil
}

// IsJSONPayload reports whether a stored payload satisfies the JSON-only
// invariant. Archive migration uses it to classify pre-invariant rows.
func IsJSONPayload(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return false
	}
	if !utf8.Valid(trimmed) {
		return false
	}
	return json.Valid(trimmed)
}
