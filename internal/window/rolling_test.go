package window

import (
	"testing"
	"time"
)

func TestRollingDuration(t *testing.T) {
	r := New(16000)
	if r.Duration() != 0 {
		t.Fatalf("expected empty buffer, got %s", r.Duration())
	}
	r.AppendPCM(make([]int16, 480))
	if r.Duration() != 30*time.Millisecond {
		t.Fatalf("expected 30ms, got %s", r.Duration())
	}
	r.Append(make([]float32, 7520))
	if r.Duration() != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", r.Duration())
	}
}

func TestRollingKeepTail(t *testing.T) {
	r := New(16000)
	// Three seconds of audio with a ramp so the kept tail can be identified.
	pcm := make([]int16, 48000)
	for i := range pcm {
		pcm[i] = int16(i % 30000)
	}
	r.AppendPCM(pcm)
	r.KeepTail(500 * time.Millisecond)

	if r.Len() != 8000 {
		t.Fatalf("expected 8000 samples after truncation, got %d", r.Len())
	}
	got := r.Samples()
	want := float32(int16(47999%30000)) / 32768.0
	if got[len(got)-1] != want {
		t.Fatalf("last sample = %v, want %v", got[len(got)-1], want)
	}
	first := float32(int16(40000%30000)) / 32768.0
	if got[0] != first {
		t.Fatalf("first kept sample = %v, want %v", got[0], first)
	}
}

func TestRollingKeepTailShorterThanWindow(t *testing.T) {
	r := New(16000)
	r.Append(make([]float32, 4000))
	r.KeepTail(500 * time.Millisecond)
	if r.Len() != 4000 {
		t.Fatalf("expected buffer untouched, got %d", r.Len())
	}
	r.KeepTail(0)
	if r.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", r.Len())
	}
}

func TestAppendPCMScale(t *testing.T) {
	r := New(16000)
	r.AppendPCM([]int16{-32768, 0, 16384})
	got := r.Samples()
	if got[0] != -1 || got[1] != 0 || got[2] != 0.5 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	for v := -32768; v <= 32767; v++ {
		s := int16(v)
		if got := ToPCM(FromPCM(s)); got != s {
			t.Fatalf("sample %d came back as %d", s, got)
		}
	}
}

func TestToPCMClamps(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{in: 0.5, want: 16384},
		{in: -0.5, want: -16384},
		{in: 1, want: 32767},
		{in: 1.5, want: 32767},
		{in: -1, want: -32768},
		{in: -1.5, want: -32768},
	}
	for _, tt := range tests {
		if got := ToPCM(tt.in); got != tt.want {
			t.Errorf("ToPCM(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
