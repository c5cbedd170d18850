// Package carrier implements the media-stream WebSocket protocol spoken by
// the telephony provider: JSON envelopes carrying base64-encoded G.711 μ-law
// audio plus the start/stop lifecycle events of one call leg.
package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event names on the media-stream socket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Message is the envelope shared by every frame on the media stream. At most
// one of the event payloads is set, matching Event. Unknown event names are
// preserved so callers can ignore them explicitly.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
}

// Start carries the call metadata delivered once when the stream begins.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the negotiated stream encoding. The carrier always
// sends audio/x-mulaw at 8000 Hz mono; the fields exist for validation.
type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Media carries one chunk of base64-encoded μ-law audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop is sent once when the carrier tears the stream down.
type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Mark names a playback checkpoint. The carrier echoes it back once all
// audio queued before it has been played to the caller.
type Mark struct {
	Name string `json:"name"`
}

// Decode parses one inbound frame. It fails on malformed JSON or a missing
// event discriminator; unknown event names decode successfully.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("carrier: decode message: %w", err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("carrier: message without event field")
	}
	return &m, nil
}

// AudioPayload returns the decoded μ-law bytes of a media message.
func (m *Media) AudioPayload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("carrier: media payload: %w", err)
	}
	return b, nil
}

// EncodeMedia builds an outbound media frame carrying μ-law audio.
func EncodeMedia(streamSID string, mulaw []byte) ([]byte, error) {
	m := Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("carrier: encode media: %w", err)
	}
	return data, nil
}

// EncodeClear builds the frame that tells the carrier to drop any audio it
// has buffered but not yet played. Sent on barge-in so the caller stops
// hearing queued speech immediately.
func EncodeClear(streamSID string) ([]byte, error) {
	data, err := json.Marshal(Message{Event: EventClear, StreamSID: streamSID})
	if err != nil {
		return nil, fmt.Errorf("carrier: encode clear: %w", err)
	}
	return data, nil
}

// EncodeMark builds a playback checkpoint frame.
func EncodeMark(streamSID, name string) ([]byte, error) {
	m := Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &Mark{Name: name},
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("carrier: encode mark: %w", err)
	}
	return data, nil
}
