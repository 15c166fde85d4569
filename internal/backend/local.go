package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Local is the free tier of last resort. It produces a deterministic,
// conservative reconciliation without any network call: for arbitration
// requests it takes the later payload wholesale and reports low confidence,
// which routes genuinely ambiguous conflicts to manual review rather than
// guessing.
type Local struct {
	// Confidence is reported on every response. Defaults to 0.3, below the
	// usual acceptance threshold.
	Confidence float64
}

// NewLocal creates a Local backend.
func NewLocal() *Local {
	return &Local{Confidence: 0.3}
}

// Invoke answers without consuming any billable units.
func (l *Local) Invoke(_ context.Context, req Request) (Response, error) {
	confidence := l.Confidence
	if confidence == 0 {
		confidence = 0.3
	}

	// Echo the last JSON object found in the prompt as the payload; the
	// arbitration prompt places the challenger payload last.
	return Response{
		Payload:     lastJSONObject(req.Prompt),
		InputUnits:  0,
		OutputUnits: 0,
		Confidence:  confidence,
	}, nil
}

// lastJSONObject extracts the last balanced top-level {...} object in s,
// or "{}" when none exists.
func lastJSONObject(s string) string {
	end := strings.LastIndexByte(s, '}')
	if end < 0 {
		return "{}"
	}
	depth := 0
	for i := end; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				candidate := s[i : end+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return "{}"
			}
		}
	}
	return "{}"
}

// Compile-time verification that Local implements Invoker.
var _ Invoker = (*Local)(nil)
