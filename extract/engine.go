// Package extract is the boundary to the external AI extraction engine.
// The engine is an opaque asynchronous job API: submit bytes, receive a
// handle, poll the handle until it settles.
package extract

import (
	"context"
	"encoding/json"
)

// Outcome is the settled state of an external extraction job.
type Outcome struct {
	Done    bool            `json:"done"`
	Payload json.RawMessage `json:"payload,omitempty"` // structured result, when Done and Err is empty
	Schema  string          `json:"schema,omitempty"`  // schema identifier reported by the engine
	Err     string          `json:"error,omitempty"`   // engine-reported failure, when Done
}

// Failed reports whether a settled outcome is a failure.
func (o *Outcome) Failed() bool {
	return o.Done && o.Err != ""
}

// Engine is the external extraction job API. Implementations must be safe
// for concurrent use; the coordinator runs one poll loop per in-flight job.
type Engine interface {
	// Submit dispatches a new extraction job and returns its handle.
	Submit(ctx context.Context, content []byte) (ref string, err error)

	// Poll reports the current state of a previously submitted job.
	// Outcome.Done is false while the engine is still working.
	Poll(ctx context.Context, ref string) (*Outcome, error)
}
