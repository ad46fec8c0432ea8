// Package event defines the closed set of cluster events exchanged over
// the shared store's pub/sub topics, one topic per channel.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned when decoding an event of an unrecognized
// type. Callers drop such events rather than failing.
var ErrUnknownType = errors.New("event: unknown type")

// Type discriminates event variants on the wire.
type Type string

// Event types.
const (
	TypeClientConnected    Type = "client_connected"
	TypeClientDisconnected Type = "client_disconnected"
	TypeClientStop         Type = "client_stop"
	TypeStreamSwitch       Type = "stream_switch"
	TypeStreamSwitched     Type = "stream_switched"
	TypeChannelStop        Type = "channel_stop"
	TypeChannelStopped     Type = "channel_stopped"
)

// Header carries the fields common to every event.
type Header struct {
	Event     Type      `json:"event"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id"`
}

// Event is the closed sum of cluster events.
type Event interface {
	Type() Type
	Head() Header
}

// NewHeader stamps a header for an outgoing event.
func NewHeader(t Type, channelID, workerID string) Header {
	return Header{Event: t, ChannelID: channelID, Timestamp: time.Now().UTC(), WorkerID: workerID}
}

// Type implements Event.
func (h Header) Type() Type { return h.Event }

// Head implements Event.
func (h Header) Head() Header { return h }

// ClientConnected is published when a worker registers a new client.
type ClientConnected struct {
	Header
	ClientID  string `json:"client_id"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientDisconnected is published when a client is removed, carrying the
// global count of clients that remain.
type ClientDisconnected struct {
	Header
	ClientID         string `json:"client_id"`
	RemainingClients int64  `json:"remaining_clients"`
}

// ClientStop asks whichever worker holds the client to end its stream.
type ClientStop struct {
	Header
	ClientID string `json:"client_id"`
}

// StreamSwitch asks the owner to move the channel to a different upstream.
type StreamSwitch struct {
	Header
	URL          string `json:"url,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	StreamID     string `json:"stream_id,omitempty"`
	M3UProfileID string `json:"m3u_profile_id,omitempty"`
}

// StreamSwitched reports the outcome of a switch request.
type StreamSwitched struct {
	Header
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ChannelStop asks the owner to stop the channel.
type ChannelStop struct {
	Header
}

// ChannelStopped announces that the owner stopped the channel.
type ChannelStopped struct {
	Header
}

// Encode marshals an event for publication.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}
	return data, nil
}

// Decode unmarshals an event, dispatching on its wire type. Unknown types
// return ErrUnknownType.
func Decode(data []byte) (Event, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding event header: %w", err)
	}

	var ev Event
	switch head.Event {
	case TypeClientConnected:
		ev = &ClientConnected{}
	case TypeClientDisconnected:
		ev = &ClientDisconnected{}
	case TypeClientStop:
		ev = &ClientStop{}
	case TypeStreamSwitch:
		ev = &StreamSwitch{}
	case TypeStreamSwitched:
		ev = &StreamSwitched{}
	case TypeChannelStop:
		ev = &ChannelStop{}
	case TypeChannelStopped:
		ev = &ChannelStopped{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Event)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", head.Event, err)
	}
	return ev, nil
}
