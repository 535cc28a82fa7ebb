// Package patch implements the JSON-patch engine: RFC 6902 diff and apply
// plus snapshot checksums.
//
// Diffs are produced with deterministic ordering, so equal inputs always
// yield an empty operation list. Apply works on a cloned document; failure of
// any operation aborts the whole patch with PATCH_FAILED and leaves the
// caller's document untouched.
//
// The checksum is a fast non-cryptographic digest (xxhash64) of the canonical
// JSON serialization of a snapshot. It is used only as a cache key and a
// coarse "are we the same" hint; low-probability collisions are tolerated by
// design of the resync protocol.
package patch

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/jonmumm/actor-kit/internal/apperr"
)

// Operation is a single RFC 6902 patch operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Diff computes the RFC 6902 operations transforming prev into next.
// Equal inputs yield an empty (nil) operation list.
func Diff(prev, next any) ([]Operation, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff source: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff target: %w", err)
	}
	return DiffJSON(prevJSON, nextJSON)
}

// DiffJSON is Diff over already-serialized documents.
func DiffJSON(prev, next []byte) ([]Operation, error) {
	p, err := jsondiff.CompareJSON(prev, next)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode diff: %w", err)
	}
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	return ops, nil
}

// Apply applies ops to doc and returns the patched document. The input is
// never mutated. Any failing operation aborts with PATCH_FAILED; the caller
// must resync from the server's current checksum.
func Apply(doc []byte, ops []Operation) ([]byte, error) {
	if len(ops) == 0 {
		out := make([]byte, len(doc))
		copy(out, doc)
		return out, nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, apperr.PatchFailed(err)
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, apperr.PatchFailed(err)
	}
	patched, err := p.Apply(doc)
	if err != nil {
		return nil, apperr.PatchFailed(err)
	}
	return patched, nil
}

// ApplyTo applies ops to a cloned serialization of target and replaces the
// value target points to with the decoded result, which must be a pointer.
// Maps held by the old value are not reused, so members removed by the patch
// do not linger. On failure target is left unchanged.
func ApplyTo(target any, ops []Operation) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return apperr.PatchFailed(fmt.Errorf("patch target must be a non-nil pointer"))
	}
	doc, err := json.Marshal(target)
	if err != nil {
		return apperr.PatchFailed(err)
	}
	patched, err := Apply(doc, ops)
	if err != nil {
		return err
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(patched, fresh.Interface()); err != nil {
		return apperr.PatchFailed(err)
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

// Checksum computes the digest of the canonical JSON serialization of v.
// Equal values always produce equal checksums (encoding/json serializes map
// keys in sorted order).
func Checksum(v any) (string, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize snapshot for checksum: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(doc)), nil
}
