package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
)

// TransportInfo is the negotiation blob returned to the client after
// createWebRtcTransport. sctpParameters is always null: the bridge carries
// no data channels.
type TransportInfo struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	SCTPParameters map[string]any        `json:"sctpParameters"`
}

// ConnectParams carries the client's half of the handshake. Unlike an
// SFU that sniffs the remote ufrag from incoming STUN, pion's ICE agent
// needs the client's parameters explicitly, so connectTransport accepts
// them next to the DTLS parameters.
type ConnectParams struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates,omitempty"`
}

// WebRTCTransport is a server-side ORTC transport stack: ICE gatherer,
// ICE transport, and DTLS transport, carrying any number of producers.
type WebRTCTransport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool
	onClose   []func()
	closeOnce sync.Once
}

// CreateWebRTCTransport builds a transport and gathers its local candidates.
// Gathering is host-only under the configured port range, so it completes
// quickly; ctx bounds the wait regardless.
func (r *Router) CreateWebRTCTransport(ctx context.Context) (*WebRTCTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather candidates: %w", ctx.Err())
	}

	return &WebRTCTransport{
		id:        xid.New().String(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*Producer),
	}, nil
}

// ID returns the transport identifier.
func (t *WebRTCTransport) ID() string { return t.id }

// Info returns the local negotiation parameters for the client.
func (t *WebRTCTransport) Info() (TransportInfo, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	return TransportInfo{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
		SCTPParameters: nil,
	}, nil
}

// Connect completes the ICE and DTLS handshakes from the client's parameters.
func (t *WebRTCTransport) Connect(params ConnectParams) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport %s is closed", t.id)
	}
	t.mu.Unlock()

	if params.ICEParameters != nil {
		if len(params.ICECandidates) > 0 {
			if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
				return fmt.Errorf("set remote candidates: %w", err)
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, *params.ICEParameters, &role); err != nil {
			return fmt.Errorf("start ice: %w", err)
		}
	}

	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}
	return nil
}

// Produce attaches an RTP receiver for a client-published track and returns
// its producer. Only audio is routed.
func (t *WebRTCTransport) Produce(kind string, params RTPParameters) (*Producer, error) {
	if kind != "audio" {
		return nil, fmt.Errorf("unsupported producer kind %q", kind)
	}
	ssrc, err := params.ssrc()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.mu.Unlock()

	receiver, err := t.router.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc)}},
		},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := newProducer(kind, receiver, receiver.Track())

	t.mu.Lock()
	t.producers[p.ID()] = p
	t.mu.Unlock()
	p.OnClose(func() {
		t.mu.Lock()
		delete(t.producers, p.ID())
		t.mu.Unlock()
	})

	return p, nil
}

// OnClose registers a hook run once when the transport closes.
func (t *WebRTCTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Close tears down producers, DTLS, ICE, and the gatherer. Idempotent.
func (t *WebRTCTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		hooks := t.onClose
		t.onClose = nil
		t.mu.Unlock()

		for _, p := range producers {
			p.Close()
		}
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()

		for _, fn := range hooks {
			fn()
		}
	})
}
