package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/innercircle/echovoice/internal/reliability"
)

func TestDeepgramTranscribeFile(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" a full day in one blob "}]}]}}`))
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "dg-key", HTTPBaseURL: srv.URL})
	got, err := p.TranscribeFile(context.Background(), []byte("RIFFfake"))
	if err != nil {
		t.Fatalf("TranscribeFile() error = %v", err)
	}
	if got != "a full day in one blob" {
		t.Fatalf("transcript = %q", got)
	}
	if gotAuth != "Token dg-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotContentType != "audio/wav" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
}

func TestDeepgramTranscribeFileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "dg-key", HTTPBaseURL: srv.URL})
	_, err := p.TranscribeFile(context.Background(), []byte("RIFFfake"))
	if err == nil {
		t.Fatalf("TranscribeFile() error = nil, want provider error")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindProviderUnavailable {
		t.Fatalf("KindOf = %q, want %q", kind, reliability.KindProviderUnavailable)
	}
}

func TestDeepgramStartStreamDialFailure(t *testing.T) {
	p := NewDeepgramProvider(DeepgramConfig{APIKey: "dg-key", WSBaseURL: "ws://127.0.0.1:1"})
	_, err := p.StartStream(context.Background())
	if err == nil {
		t.Fatalf("StartStream() error = nil, want dial failure")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindProviderUnavailable {
		t.Fatalf("KindOf = %q, want %q", kind, reliability.KindProviderUnavailable)
	}
}

func TestDeepgramStreamEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{
			"is_final": false,
			"channel":  map[string]any{"alternatives": []map[string]any{{"transcript": "today was"}}},
		})
		_ = conn.WriteJSON(map[string]any{
			"is_final": true,
			"channel":  map[string]any{"alternatives": []map[string]any{{"transcript": "today was long"}}},
		})
		// Pump inbound audio until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := NewDeepgramProvider(DeepgramConfig{APIKey: "dg-key", WSBaseURL: wsURL})
	stream, err := p.StartStream(context.Background())
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	defer stream.Close()

	if err := stream.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}

	want := []Event{
		{Text: "today was", IsFinal: false},
		{Text: "today was long", IsFinal: true},
	}
	for i, w := range want {
		select {
		case got := <-stream.Events():
			if got != w {
				t.Fatalf("event[%d] = %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event[%d]", i)
		}
	}

	if err := stream.CloseSend(context.Background()); err != nil {
		t.Fatalf("CloseSend() error = %v", err)
	}
}

func TestPlaceholderProvider(t *testing.T) {
	p := NewPlaceholderProvider()
	if _, err := p.StartStream(context.Background()); err == nil {
		t.Fatalf("StartStream() error = nil, want provider unavailable")
	}
	got, err := p.TranscribeFile(context.Background(), []byte("RIFFfake"))
	if err != nil {
		t.Fatalf("TranscribeFile() error = %v", err)
	}
	if got != PlaceholderTranscript {
		t.Fatalf("transcript = %q, want placeholder", got)
	}
}
