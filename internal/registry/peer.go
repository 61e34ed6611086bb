package registry

import (
	"sync"

	"github.com/voicebridge/voicebridge/internal/sfu"
)

// Sender is the signaling channel back to one peer. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(v any) error
}

// Peer is the server-side record for one connected signaling channel and
// everything it owns. All owned handles are closed on disconnect.
type Peer struct {
	ID string

	mu         sync.Mutex
	conn       Sender
	roomID     string
	role       string
	transports map[string]*sfu.WebRTCTransport
	producers  map[string]*sfu.Producer
	consumers  map[string]*sfu.Consumer
}

func newPeer(id string, conn Sender) *Peer {
	return &Peer{
		ID:         id,
		conn:       conn,
		transports: make(map[string]*sfu.WebRTCTransport),
		producers:  make(map[string]*sfu.Producer),
		consumers:  make(map[string]*sfu.Consumer),
	}
}

// Send writes a payload to the peer's signaling channel.
func (p *Peer) Send(v any) error {
	return p.conn.Send(v)
}

// RoomID returns the peer's current room, or "" when not in one.
func (p *Peer) RoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) setRoomID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = id
}

// Role returns the peer's free-form role tag.
func (p *Peer) Role() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// SetRole stores the peer's role tag.
func (p *Peer) SetRole(role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = role
}

// AddTransport registers a transport as owned by this peer.
func (p *Peer) AddTransport(t *sfu.WebRTCTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transports[t.ID()] = t
}

// Transport looks up an owned transport.
func (p *Peer) Transport(id string) (*sfu.WebRTCTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

// RemoveTransport drops a transport from the peer's ownership map.
func (p *Peer) RemoveTransport(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, id)
}

// AddProducer registers a producer as owned by this peer.
func (p *Peer) AddProducer(pr *sfu.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[pr.ID()] = pr
}

// Producer looks up an owned producer.
func (p *Peer) Producer(id string) (*sfu.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

// RemoveProducer drops a producer from the peer's ownership map.
func (p *Peer) RemoveProducer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.producers, id)
}

// ProducerIDs returns the ids of all producers the peer owns.
func (p *Peer) ProducerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.producers))
	for id := range p.producers {
		ids = append(ids, id)
	}
	return ids
}

// AddConsumer registers a consumer as owned by this peer.
func (p *Peer) AddConsumer(c *sfu.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.ID()] = c
}

// CloseOwned closes every consumer, producer, and transport the peer owns,
// in that order. Teardown errors never propagate.
func (p *Peer) CloseOwned() {
	p.mu.Lock()
	consumers := make([]*sfu.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*sfu.Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		producers = append(producers, pr)
	}
	transports := make([]*sfu.WebRTCTransport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.consumers = make(map[string]*sfu.Consumer)
	p.producers = make(map[string]*sfu.Producer)
	p.transports = make(map[string]*sfu.WebRTCTransport)
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, pr := range producers {
		pr.Close()
	}
	for _, t := range transports {
		t.Close()
	}
}
