package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/innercircle/echovoice/internal/reliability"
)

type fakeGuard struct {
	enableErr error
	enabled   int
	disabled  int
}

func (g *fakeGuard) EnableRecording(context.Context) error {
	g.enabled++
	return g.enableErr
}

func (g *fakeGuard) DisableRecording() { g.disabled++ }

func TestCaptureStartStopProducesWAV(t *testing.T) {
	guard := &fakeGuard{}
	c := NewCapture(guard, t.TempDir(), 16000)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pcm := []byte{1, 2, 3, 4, 5, 6}
	if err := c.Write(pcm); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	uri, got, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if string(got) != string(pcm) {
		t.Fatalf("Stop() pcm = %v, want %v", got, pcm)
	}
	if guard.disabled != 1 {
		t.Fatalf("guard.disabled = %d, want 1", guard.disabled)
	}

	data, err := os.ReadFile(uri)
	if err != nil {
		t.Fatalf("ReadFile(%q) error = %v", uri, err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("file is not WAV: % x", data[:12])
	}
	if dataSize := binary.LittleEndian.Uint32(data[40:44]); dataSize != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", dataSize, len(pcm))
	}
}

func TestCaptureStartReleasesGuardOnPermissionDenied(t *testing.T) {
	guard := &fakeGuard{enableErr: errors.New("mic access refused")}
	c := NewCapture(guard, t.TempDir(), 16000)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatalf("Start() error = nil, want permission error")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindPermissionDenied {
		t.Fatalf("KindOf = %q, want %q", kind, reliability.KindPermissionDenied)
	}
	if guard.disabled != 1 {
		t.Fatalf("guard.disabled = %d, want 1 (release on error path)", guard.disabled)
	}
	if c.Active() {
		t.Fatalf("Active() = true after failed Start")
	}
}

func TestCaptureRejectsOverlappingStart(t *testing.T) {
	c := NewCapture(nil, t.TempDir(), 16000)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("second Start() error = nil, want already-active error")
	}
	c.Abort()
}

func TestCaptureWriteWhenInactive(t *testing.T) {
	c := NewCapture(nil, t.TempDir(), 16000)
	if err := c.Write([]byte{1}); !errors.Is(err, ErrCaptureInactive) {
		t.Fatalf("Write() error = %v, want ErrCaptureInactive", err)
	}
	if _, _, err := c.Stop(); !errors.Is(err, ErrCaptureInactive) {
		t.Fatalf("Stop() error = %v, want ErrCaptureInactive", err)
	}
}

func TestCaptureAbortReleasesGuard(t *testing.T) {
	guard := &fakeGuard{}
	c := NewCapture(guard, t.TempDir(), 16000)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Abort()
	if guard.disabled != 1 {
		t.Fatalf("guard.disabled = %d, want 1", guard.disabled)
	}
	if c.Active() {
		t.Fatalf("Active() = true after Abort")
	}
}

func TestEncodeWAVEmptyPCM(t *testing.T) {
	data, err := EncodeWAVPCM16LE(nil, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(data) != 44 {
		t.Fatalf("len = %d, want 44-byte header only", len(data))
	}
}
