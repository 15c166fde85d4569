package arbiter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jmorrell/loom/pkg/models"
)

// ErrNotMergeable is returned when the structural tier cannot merge the
// competing payloads mechanically: one of them is opaque, or both changed
// the same field to different values.
var ErrNotMergeable = errors.New("payloads not structurally mergeable")

// mergeStructural merges two structured payloads whose changed field sets
// are disjoint. A field present in both with the same value is an unchanged
// base field and carries through; a field present in both with different
// values is an overlapping edit and fails the merge. The result is a stable
// field-ordered JSON object.
func mergeStructural(committed, challenger models.Payload) (models.Payload, error) {
	a, ok := committed.Fields()
	if !ok {
		return models.Payload{}, fmt.Errorf("committed payload: %w", ErrNotMergeable)
	}
	b, ok := challenger.Fields()
	if !ok {
		return models.Payload{}, fmt.Errorf("challenger payload: %w", ErrNotMergeable)
	}

	merged := make(map[string]json.RawMessage, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		if existing, present := merged[k]; present && !jsonEqual(existing, v) {
			return models.Payload{}, fmt.Errorf("field %q changed by both writers: %w", k, ErrNotMergeable)
		}
		merged[k] = v
	}

	data, err := marshalOrdered(merged)
	if err != nil {
		return models.Payload{}, err
	}
	return models.StructuredPayload(data), nil
}

// jsonEqual compares two raw JSON values ignoring insignificant whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// marshalOrdered produces a deterministic JSON object with sorted keys, so
// repeated merges of the same inputs are byte-identical.
func marshalOrdered(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		var compact bytes.Buffer
		if err := json.Compact(&compact, fields[k]); err != nil {
			return nil, err
		}
		buf.Write(compact.Bytes())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
