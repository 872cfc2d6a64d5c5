package retain

import (
	"encoding/json"
	"time"
)

// Source identifies where a holder's value came from during resolution.
type Source string

const (
	// SourceRetained means the value was consumed from the retained registry.
	SourceRetained Source = "retained"
	// SourceDurable means the value was restored from the durable store.
	SourceDurable Source = "durable"
	// SourceFresh means the initializer produced the value.
	SourceFresh Source = "fresh"
)

// Trace captures the resolution source and lifecycle transitions for a
// retained slot. Traces are collected only when the evaluation enables them.
type Trace struct {
	Key         string       `json:"key"`
	Source      Source       `json:"source"`
	Transitions []Transition `json:"transitions"`
}

// Transition records a single lifecycle event on a holder.
type Transition struct {
	State    string    `json:"state"`
	Retained bool      `json:"retained,omitempty"`
	At       time.Time `json:"at"`
}

// ToJSON serialises the trace into JSON for logging or transport helpers.
func (t Trace) ToJSON() ([]byte, error) {
	type alias Trace
	return json.Marshal(alias(t))
}

// TraceFromJSON deserialises a JSON payload that was previously generated via
// ToJSON.
func TraceFromJSON(payload []byte) (Trace, error) {
	type alias Trace
	var trace alias
	if err := json.Unmarshal(payload, &trace); err != nil {
		return Trace{}, err
	}
	return Trace(trace), nil
}
