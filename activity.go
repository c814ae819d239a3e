package main

import (
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// AudioSink renders a remote audio track and reports its playback energy so
// the activity detector can tell speech from silence.
type AudioSink interface {
	Play(track *webrtc.TrackRemote)
	Level() float64
	Close()
}

// rtpEnergySink is the default sink: it drains RTP packets from the remote
// track and keeps a running energy measure over the payload bytes. It does
// not decode Opus - payload magnitude is a crude but sufficient proxy for
// flipping between speaking and silence.
type rtpEnergySink struct {
	mu      sync.Mutex
	level   float64
	playing bool
	stop    chan struct{}
	once    sync.Once
}

// NewRTPEnergySink creates the default remote-audio sink.
func NewRTPEnergySink() AudioSink {
	return &rtpEnergySink{stop: make(chan struct{})}
}

// Play begins draining the remote track. Only the first call attaches; the
// session never renegotiates, so there is exactly one remote audio track.
func (s *rtpEnergySink) Play(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = true
	s.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		packet := &rtp.Packet{}
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			if err := packet.Unmarshal(buf[:n]); err != nil {
				log.Printf("⚠️ Failed to parse RTP packet: %v", err)
				continue
			}
			s.setLevel(payloadEnergy(packet.Payload))
		}
	}()
}

func (s *rtpEnergySink) setLevel(level float64) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Level returns the most recent playback energy measure.
func (s *rtpEnergySink) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Close pauses playback and detaches from the track. Idempotent.
func (s *rtpEnergySink) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.setLevel(0)
	})
}

// payloadEnergy sums byte magnitudes over the packet payload, normalized to
// the payload length.
func payloadEnergy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var sum float64
	for _, b := range payload {
		sum += float64(b)
	}
	return sum / float64(len(payload))
}

// activityThreshold is the energy level above which the remote party is
// considered to be speaking.
const activityThreshold = 10.0

// defaultSampleInterval approximates one rendered frame.
const defaultSampleInterval = 16 * time.Millisecond

// ActivityDetector is a cooperative polling loop that samples the sink's
// energy once per frame interval and flips between speaking and not
// speaking around a fixed threshold. Its lifetime is bounded by the
// transport: Stop is called in the same step that tears the transport down.
type ActivityDetector struct {
	sink      interface{ Level() float64 }
	connected func() bool
	onActive  func(active bool)
	threshold float64
	interval  time.Duration

	stop chan struct{}
	once sync.Once
}

// NewActivityDetector creates a detector over the given level source.
// onActive fires only when the speaking state changes.
func NewActivityDetector(sink interface{ Level() float64 }, connected func() bool, onActive func(bool)) *ActivityDetector {
	return &ActivityDetector{
		sink:      sink,
		connected: connected,
		onActive:  onActive,
		threshold: activityThreshold,
		interval:  defaultSampleInterval,
		stop:      make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (d *ActivityDetector) Start() {
	go func() {
		t := time.NewTicker(d.interval)
		defer t.Stop()
		var active, sampled bool
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				if !d.connected() {
					continue
				}
				now := d.sink.Level() > d.threshold
				if !sampled || now != active {
					sampled = true
					active = now
					d.onActive(now)
				}
			}
		}
	}()
}

// Stop cancels the sampling loop. Idempotent.
func (d *ActivityDetector) Stop() {
	d.once.Do(func() { close(d.stop) })
}
