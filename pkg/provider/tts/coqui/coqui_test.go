package coqui_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/leadline-voice/leadline/pkg/provider/tts"
	"github.com/leadline-voice/leadline/pkg/provider/tts/coqui"
)

// startServer starts an HTTP test server that records /api/tts requests and
// responds with audio.
func startServer(t *testing.T, audio []byte) (*httptest.Server, chan *http.Request) {
	t.Helper()
	reqs := make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestSynthesizeRequestShape(t *testing.T) {
	t.Parallel()

	wantAudio := []byte("RIFFfake-wav-body")
	srv, reqs := startServer(t, wantAudio)

	p, err := coqui.New(srv.URL+"/", coqui.WithLanguage("he"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stream, err := p.Synthesize(context.Background(), "שלום לכם", tts.Voice{ID: "speaker-3"})
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(got) != string(wantAudio) {
		t.Errorf("audio = %q, want %q", got, wantAudio)
	}

	req := <-reqs
	if req.URL.Path != "/api/tts" {
		t.Errorf("path = %q, want %q", req.URL.Path, "/api/tts")
	}
	q := req.URL.Query()
	if q.Get("text") != "שלום לכם" {
		t.Errorf("text = %q, want %q", q.Get("text"), "שלום לכם")
	}
	if q.Get("speaker_id") != "speaker-3" {
		t.Errorf("speaker_id = %q, want %q", q.Get("speaker_id"), "speaker-3")
	}
	if q.Get("language_id") != "he" {
		t.Errorf("language_id = %q, want %q", q.Get("language_id"), "he")
	}
}

func TestSynthesizeOmitsEmptyParams(t *testing.T) {
	t.Parallel()

	srv, reqs := startServer(t, []byte{0x00})

	p, err := coqui.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stream, err := p.Synthesize(context.Background(), "hello", tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	stream.Close()

	req := <-reqs
	q := req.URL.Query()
	if _, present := q["speaker_id"]; present {
		t.Error("speaker_id present, want omitted for the default speaker")
	}
	if _, present := q["language_id"]; present {
		t.Error("language_id present, want omitted when unset")
	}
}

func TestSynthesizeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, err := coqui.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = p.Synthesize(context.Background(), "hello", tts.Voice{})
	if err == nil {
		t.Fatal("Synthesize() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %q, want mention of status 500", err)
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error = %q, want response detail included", err)
	}
}

func TestNewRequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := coqui.New(""); err == nil {
		t.Fatal("New(\"\") succeeded, want error")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	p, err := coqui.New("http://localhost:5002")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := p.Format(); got != tts.FormatPCM24000 {
		t.Errorf("Format() = %q, want %q", got, tts.FormatPCM24000)
	}
}
