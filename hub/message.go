package hub

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/bnt0p/st-poor-webpanel/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message kinds.
const (
	KindSnapshot = "snapshot"
	KindPing     = "ping"
)

var pingPayload = []byte(`{"type":"ping"}`)

// Message is one broadcast unit. Payload is the JSON encoding, produced once
// per cycle and shared by every subscriber; text transports may render
// Snapshot themselves instead.
type Message struct {
	Kind     string
	Snapshot *status.Snapshot
	Payload  []byte
}

// NewSnapshotMessage encodes snap for delivery.
func NewSnapshotMessage(snap *status.Snapshot) (Message, error) {
	if snap == nil {
		return Message{}, fmt.Errorf("hub: encode snapshot: nil snapshot")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return Message{}, fmt.Errorf("hub: encode snapshot: %w", err)
	}
	return Message{Kind: KindSnapshot, Snapshot: snap, Payload: payload}, nil
}

// PingMessage returns the liveness message {"type":"ping"}.
func PingMessage() Message {
	return Message{Kind: KindPing, Payload: pingPayload}
}
