package encoder

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(s *Session) []Fragment {
	var out []Fragment
	for frag := range s.Fragments() {
		out = append(out, frag)
	}
	return out
}

func TestSessionSlicesStream(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewSession(pr, MimeWebm, 20*time.Millisecond, zap.NewNop())
	s.Start()

	done := make(chan []Fragment, 1)
	go func() { done <- collect(s) }()

	pw.Write([]byte("first"))
	time.Sleep(50 * time.Millisecond)
	pw.Write([]byte("second"))
	time.Sleep(50 * time.Millisecond)
	pw.Close()

	result := s.Stop()
	fragments := <-done

	require.NotEmpty(t, fragments)
	for i, frag := range fragments {
		assert.Equal(t, i, frag.Seq, "sequence numbers must be consecutive from zero")
	}

	var total []byte
	for _, frag := range fragments {
		total = append(total, frag.Payload...)
	}
	assert.Equal(t, []byte("firstsecond"), total)
	assert.Equal(t, int64(len("firstsecond")), result.TotalBytes)
	assert.Equal(t, len(fragments), result.Fragments)
	assert.Equal(t, MimeWebm, result.MimeType)
}

func TestSessionPauseDiscardsWithoutGap(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewSession(pr, MimeWebm, 10*time.Millisecond, zap.NewNop())
	s.Start()

	done := make(chan []Fragment, 1)
	go func() { done <- collect(s) }()

	pw.Write([]byte("kept-"))
	time.Sleep(30 * time.Millisecond)

	s.Pause()
	pw.Write([]byte("DROPPED"))
	time.Sleep(30 * time.Millisecond)
	s.Resume()

	pw.Write([]byte("more"))
	time.Sleep(30 * time.Millisecond)
	pw.Close()

	s.Stop()
	fragments := <-done

	var total []byte
	for i, frag := range fragments {
		assert.Equal(t, i, frag.Seq)
		total = append(total, frag.Payload...)
	}
	assert.Equal(t, []byte("kept-more"), total)
	assert.NotContains(t, string(total), "DROPPED")
}

func TestSessionStopFlushesFinalFragment(t *testing.T) {
	pr, pw := io.Pipe()
	// Long interval so nothing is emitted before the stop flush.
	s := NewSession(pr, MimeWebm, time.Hour, zap.NewNop())
	s.Start()

	done := make(chan []Fragment, 1)
	go func() { done <- collect(s) }()

	pw.Write([]byte("tail"))
	time.Sleep(20 * time.Millisecond)
	pw.Close()

	result := s.Stop()
	fragments := <-done

	require.Len(t, fragments, 1)
	assert.Equal(t, []byte("tail"), fragments[0].Payload)
	assert.Equal(t, int64(4), result.TotalBytes)
}

func TestSessionStopIsIdempotent(t *testing.T) {
	pr, pw := io.Pipe()
	s := NewSession(pr, MimeWebm, 10*time.Millisecond, zap.NewNop())
	s.Start()
	go collect(s)

	pw.Write([]byte("data"))
	time.Sleep(20 * time.Millisecond)
	pw.Close()

	first := s.Stop()
	second := s.Stop()
	assert.Equal(t, first, second)
}

func TestSelectMimeType(t *testing.T) {
	tests := []struct {
		name      string
		supported map[string]bool
		want      string
	}{
		{
			name:      "prefers vp9 with opus",
			supported: map[string]bool{MimeWebmVP9Opus: true, MimeWebmVP8Opus: true},
			want:      MimeWebmVP9Opus,
		},
		{
			name:      "falls through to vp8 with opus",
			supported: map[string]bool{MimeWebmVP8Opus: true, MimeWebm: true},
			want:      MimeWebmVP8Opus,
		},
		{
			name:      "video only vp9",
			supported: map[string]bool{MimeWebmVP9: true},
			want:      MimeWebmVP9,
		},
		{
			name:      "nothing supported falls back to plain webm",
			supported: map[string]bool{},
			want:      MimeWebm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectMimeType(func(m string) bool { return tt.supported[m] })
			assert.Equal(t, tt.want, got)
		})
	}
}
