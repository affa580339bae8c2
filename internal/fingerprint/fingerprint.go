// Package fingerprint computes content hashes for function calls.
//
// Values are canonicalized through JSON before hashing: objects are
// re-encoded with sorted keys, so two structurally equal inputs hash the
// same no matter how their keys were inserted.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Error reports a value that cannot be hashed. A call without a
// fingerprint cannot be processed, so callers treat it as fatal.
type Error struct {
	What string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fingerprint %s: %v", e.What, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Canonical returns the canonical JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Of hashes an arbitrary value.
func Of(v any) (string, error) {
	return sum("value", v)
}

// Fingerprint hashes a full call. It is the identity of a CallRecord.
func Fingerprint(functionName string, args, schema, settings any) (string, error) {
	return sum("call", map[string]any{
		"functionName": functionName,
		"args":         args,
		"schema":       schema,
		"settings":     settings,
	})
}

// ArgsHash is the identity of an ArgumentSnapshot.
func ArgsHash(args any) (string, error) {
	return sum("args", args)
}

// SchemaHash is the identity of a SchemaDefinition.
func SchemaHash(schema any) (string, error) {
	return sum("schema", schema)
}

func sum(what string, v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", &Error{What: what, Err: err}
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
