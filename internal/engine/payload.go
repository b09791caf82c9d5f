// Package engine provides the reference Engine/RemediationEngine
// implementations that make the job orchestration substrate runnable end
// to end: a deterministic static-analysis pass in place of an external
// LLM-backed analyzer, with the same observability hooks (tracing,
// structured logging, per-evaluator failure isolation) a production
// engine would carry.
package engine

import "encoding/json"

// decodePayload round-trips an opaque EvaluateRequest/RemediationRequest
// Payload (json.RawMessage from the HTTP layer, a map, or an already-typed
// struct from a test) into out. A nil or empty payload leaves out untouched.
func decodePayload(payload any, out any) error {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
