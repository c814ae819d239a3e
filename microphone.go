package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// MicrophoneSource grants access to the user's audio input device. At most
// one handle is outstanding per source; acquiring a new one first releases
// the old.
type MicrophoneSource interface {
	Acquire(ctx context.Context) (*MicrophoneHandle, error)
}

// CaptureSession is a live device capture delivering encoded audio frames.
// Read returns one frame per call.
type CaptureSession interface {
	io.Reader
	Close() error
}

// CaptureOpener opens the underlying input device. It fails when the user
// (or OS) denies microphone access.
type CaptureOpener func(ctx context.Context) (CaptureSession, error)

// MicrophoneHandle is an exclusively owned live audio input. It must be
// released before the owning session may be discarded or re-created.
type MicrophoneHandle struct {
	mu        sync.Mutex
	tracks    []webrtc.TrackLocal
	stops     []func()
	frameSink func([]byte)
	released  bool
}

// Tracks returns the local media tracks backed by this microphone.
func (h *MicrophoneHandle) Tracks() []webrtc.TrackLocal {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracks
}

// SetFrameSink installs a tap receiving every captured audio frame in
// addition to the local tracks. Used by the managed transport to stream
// microphone audio over its session. Pass nil to remove the tap.
func (h *MicrophoneHandle) SetFrameSink(fn func([]byte)) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.frameSink = fn
	h.mu.Unlock()
}

func (h *MicrophoneHandle) sink() func([]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frameSink
}

// Release stops every underlying track and the device capture. Idempotent:
// releasing twice, or releasing a nil handle, is a no-op.
func (h *MicrophoneHandle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	stops := h.stops
	h.stops = nil
	h.frameSink = nil
	h.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	log.Printf("🎤 Microphone released")
}

func (h *MicrophoneHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// OpusTrackMicrophone captures the microphone into a single Opus local
// track (48 kHz stereo, the same codec parameters the providers negotiate).
type OpusTrackMicrophone struct {
	open CaptureOpener

	mu      sync.Mutex
	current *MicrophoneHandle
}

// NewOpusTrackMicrophone creates a microphone source over the given device
// opener.
func NewOpusTrackMicrophone(open CaptureOpener) *OpusTrackMicrophone {
	return &OpusTrackMicrophone{open: open}
}

const micFrameDuration = 20 * time.Millisecond

// Acquire opens the capture device and starts pumping frames into a fresh
// local track. Any previously held handle is released first. On failure no
// handle is held.
func (m *OpusTrackMicrophone) Acquire(ctx context.Context) (*MicrophoneHandle, error) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	prev.Release()

	sess, err := m.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening capture device: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "microphone")
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}

	handle := &MicrophoneHandle{
		tracks: []webrtc.TrackLocal{track},
	}
	stopPump := make(chan struct{})
	handle.stops = []func(){
		func() { close(stopPump) },
		func() { sess.Close() },
	}

	go pumpFrames(sess, track, handle, stopPump)

	m.mu.Lock()
	m.current = handle
	m.mu.Unlock()
	log.Printf("🎤 Microphone acquired")
	return handle, nil
}

// pumpFrames moves captured frames into the local track (and the frame sink
// tap, when installed) until the handle is released or the device closes.
func pumpFrames(sess CaptureSession, track *webrtc.TrackLocalStaticSample, handle *MicrophoneHandle, stop chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := sess.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := track.WriteSample(media.Sample{Data: frame, Duration: micFrameDuration}); err != nil {
			log.Printf("⚠️ Failed to write microphone sample: %v", err)
			return
		}
		if sink := handle.sink(); sink != nil {
			sink(frame)
		}
	}
}
