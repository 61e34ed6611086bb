package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// RTPParameters is the subset of the client's produce parameters the router
// consumes: the publishing SSRC and the codec list (informational; the
// router negotiates exactly one codec).
type RTPParameters struct {
	Mid    string `json:"mid,omitempty"`
	Codecs []struct {
		MimeType    string `json:"mimeType"`
		PayloadType uint8  `json:"payloadType"`
		ClockRate   uint32 `json:"clockRate"`
		Channels    uint16 `json:"channels,omitempty"`
	} `json:"codecs,omitempty"`
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"encodings"`
}

func (p RTPParameters) ssrc() (uint32, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return 0, fmt.Errorf("rtpParameters missing encodings[0].ssrc")
	}
	return p.Encodings[0].SSRC, nil
}

// Producer is a publisher's server-side audio track. A pump goroutine reads
// RTP from the remote track and fans each packet out to registered sinks.
type Producer struct {
	id   string
	kind string

	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackRemote

	mu      sync.Mutex
	sinks   map[string]func(*rtp.Packet)
	onClose []func()
	closed  bool

	closeOnce sync.Once
}

func newProducer(kind string, receiver *webrtc.RTPReceiver, track *webrtc.TrackRemote) *Producer {
	p := &Producer{
		id:       xid.New().String(),
		kind:     kind,
		receiver: receiver,
		track:    track,
		sinks:    make(map[string]func(*rtp.Packet)),
	}
	go p.pump()
	return p
}

// NewDirectProducer returns a producer with no backing transport; packets
// are injected with Push. Used for bridged sources that bypass WebRTC.
func NewDirectProducer(kind string) *Producer {
	return &Producer{
		id:    xid.New().String(),
		kind:  kind,
		sinks: make(map[string]func(*rtp.Packet)),
	}
}

// Push injects a packet into the producer's fanout.
func (p *Producer) Push(pkt *rtp.Packet) {
	p.deliver(pkt)
}

// ID returns the producer identifier.
func (p *Producer) ID() string { return p.id }

// Kind returns "audio".
func (p *Producer) Kind() string { return p.kind }

func (p *Producer) pump() {
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			// Track ended: transport closed or publisher stopped sending.
			p.Close()
			return
		}
		p.deliver(pkt)
	}
}

// deliver fans a packet out to all sinks. Separate from pump so tests can
// drive a producer without a live transport.
func (p *Producer) deliver(pkt *rtp.Packet) {
	p.mu.Lock()
	sinks := make([]func(*rtp.Packet), 0, len(p.sinks))
	for _, fn := range p.sinks {
		sinks = append(sinks, fn)
	}
	p.mu.Unlock()

	for _, fn := range sinks {
		fn(pkt)
	}
}

// AddSink registers a packet sink under the given id.
func (p *Producer) AddSink(id string, fn func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[id] = fn
}

// RemoveSink removes a previously registered sink.
func (p *Producer) RemoveSink(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// OnClose registers a hook run once when the producer closes. A hook added
// after close runs immediately.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close stops the receiver and fires close hooks. Idempotent.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		hooks := p.onClose
		p.onClose = nil
		p.sinks = make(map[string]func(*rtp.Packet))
		p.mu.Unlock()

		if p.receiver != nil {
			_ = p.receiver.Stop()
		}
		for _, fn := range hooks {
			fn()
		}
	})
}
