package arbiter

import (
	"fmt"

	"github.com/jmorrell/loom/pkg/models"
)

// buildResolutionPrompt constructs the prompt for a model-assisted
// resolution attempt. The challenger payload comes last so a backend that
// falls back to echoing still proposes the losing write rather than the one
// already committed.
func buildResolutionPrompt(c *models.Conflict) string {
	return fmt.Sprintf(`You are resolving a write conflict on a shared context key.

Two agents read version %d of key %q and wrote concurrently. The first write
is already committed; the second was rejected.

COMMITTED PAYLOAD:
%s

REJECTED PAYLOAD (from %s):
%s

Produce a single payload that preserves the intent of both writes. If the
writes are contradictory, prefer the committed payload and fold in the
non-conflicting parts of the rejected one.

Your response MUST be a single JSON object of the form:
{"payload": <resolved payload>, "confidence": <0.0-1.0>}

Report low confidence when the writes genuinely contradict each other.`,
		c.BaseVersion, c.Key,
		payloadText(c.Committed),
		c.ChallengerHolder,
		payloadText(c.Challenger))
}

// payloadText renders a payload for inclusion in a prompt.
func payloadText(p models.Payload) string {
	if len(p.Data) == 0 {
		return "(empty)"
	}
	return string(p.Data)
}
