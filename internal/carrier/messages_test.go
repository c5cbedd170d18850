package carrier_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/leadline-voice/leadline/internal/carrier"
)

func TestDecode_Start(t *testing.T) {
	t.Parallel()

	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"streamSid": "MZ0123",
		"start": {
			"streamSid": "MZ0123",
			"accountSid": "AC9999",
			"callSid": "CA4567",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {"caller": "+972501234567"}
		}
	}`

	msg, err := carrier.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Event != carrier.EventStart {
		t.Errorf("Event = %q, want %q", msg.Event, carrier.EventStart)
	}
	if msg.Start == nil {
		t.Fatal("Start payload is nil")
	}
	if msg.Start.StreamSID != "MZ0123" {
		t.Errorf("StreamSID = %q, want MZ0123", msg.Start.StreamSID)
	}
	if msg.Start.CallSID != "CA4567" {
		t.Errorf("CallSID = %q, want CA4567", msg.Start.CallSID)
	}
	if got := msg.Start.CustomParameters["caller"]; got != "+972501234567" {
		t.Errorf("customParameters[caller] = %q, want +972501234567", got)
	}
	if msg.Start.MediaFormat.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", msg.Start.MediaFormat.SampleRate)
	}
}

func TestDecode_MediaAndPayload(t *testing.T) {
	t.Parallel()

	mulaw := []byte{0xFF, 0x7E, 0x80, 0xFF}
	raw := `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","timestamp":"160","payload":"` +
		base64.StdEncoding.EncodeToString(mulaw) + `"}}`

	msg, err := carrier.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Event != carrier.EventMedia {
		t.Errorf("Event = %q, want %q", msg.Event, carrier.EventMedia)
	}
	if msg.Media == nil {
		t.Fatal("Media payload is nil")
	}
	got, err := msg.Media.AudioPayload()
	if err != nil {
		t.Fatalf("AudioPayload() error: %v", err)
	}
	if !bytes.Equal(got, mulaw) {
		t.Errorf("AudioPayload() = %v, want %v", got, mulaw)
	}
}

func TestDecode_Stop(t *testing.T) {
	t.Parallel()

	msg, err := carrier.Decode([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Event != carrier.EventStop {
		t.Errorf("Event = %q, want %q", msg.Event, carrier.EventStop)
	}
	if msg.Stop == nil || msg.Stop.CallSID != "CA1" {
		t.Errorf("Stop payload = %+v, want CallSID CA1", msg.Stop)
	}
}

func TestDecode_UnknownEventTolerated(t *testing.T) {
	t.Parallel()

	msg, err := carrier.Decode([]byte(`{"event":"connected","protocol":"Call"}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Event != carrier.EventConnected {
		t.Errorf("Event = %q, want %q", msg.Event, carrier.EventConnected)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := carrier.Decode([]byte(`{"event":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecode_MissingEvent(t *testing.T) {
	t.Parallel()

	if _, err := carrier.Decode([]byte(`{"streamSid":"MZ1"}`)); err == nil {
		t.Error("expected error for message without event field")
	}
}

func TestDecode_BadPayloadBase64(t *testing.T) {
	t.Parallel()

	msg, err := carrier.Decode([]byte(`{"event":"media","media":{"payload":"not-base64!!!"}}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if _, err := msg.Media.AudioPayload(); err == nil {
		t.Error("expected error for invalid base64 payload")
	}
}

func TestEncodeMedia(t *testing.T) {
	t.Parallel()

	mulaw := []byte{0x00, 0x11, 0x22}
	data, err := carrier.EncodeMedia("MZ42", mulaw)
	if err != nil {
		t.Fatalf("EncodeMedia() error: %v", err)
	}

	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal encoded frame: %v", err)
	}
	if out.Event != "media" {
		t.Errorf("event = %q, want media", out.Event)
	}
	if out.StreamSID != "MZ42" {
		t.Errorf("streamSid = %q, want MZ42", out.StreamSID)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	if err != nil {
		t.Fatalf("payload base64: %v", err)
	}
	if !bytes.Equal(decoded, mulaw) {
		t.Errorf("payload = %v, want %v", decoded, mulaw)
	}
}

func TestEncodeClear(t *testing.T) {
	t.Parallel()

	data, err := carrier.EncodeClear("MZ7")
	if err != nil {
		t.Fatalf("EncodeClear() error: %v", err)
	}
	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Event != "clear" || out.StreamSID != "MZ7" {
		t.Errorf("got event=%q streamSid=%q, want clear/MZ7", out.Event, out.StreamSID)
	}
}

func TestEncodeMark(t *testing.T) {
	t.Parallel()

	data, err := carrier.EncodeMark("MZ7", "opening-done")
	if err != nil {
		t.Fatalf("EncodeMark() error: %v", err)
	}
	var out struct {
		Event string `json:"event"`
		Mark  struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Event != "mark" || out.Mark.Name != "opening-done" {
		t.Errorf("got event=%q name=%q, want mark/opening-done", out.Event, out.Mark.Name)
	}
}
