package main

import (
	"sync"

	"github.com/ebitengine/oto/v3"
)

const (
	sampleRate = 24000
	channels   = 1
)

// speakerWriter plays pcm_s16le response audio through the default output
// device. The oto player pulls from an internal buffer via io.Reader.
type speakerWriter struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

// newSpeaker initializes the audio output with a ~100ms buffer. Returns
// nil on headless hosts; callers must treat a nil speaker as no-op.
func newSpeaker() *speakerWriter {
	otoOpts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		return nil
	}
	<-ready

	s := &speakerWriter{otoCtx: otoCtx, buf: make([]byte, 0, sampleRate*4)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *speakerWriter) Write(data []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)
	if !s.playing && !s.closed {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for oto.Player.
func (s *speakerWriter) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Silence lets oto drain gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *speakerWriter) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.player != nil {
		s.player.Close()
	}
}
