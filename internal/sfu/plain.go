package sfu

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/xid"
)

// PlainReceiver is a plain transport in server-push mode: after Connect it
// owns a dialed UDP socket and pushes consumed producers' RTP toward it.
// RTCP is allocated by the caller but not attached; the downstream pipeline
// has no use for it.
type PlainReceiver struct {
	id string

	mu        sync.Mutex
	conn      *net.UDPConn
	rtpPort   int
	rtcpPort  int
	consumers map[string]*Consumer
	closed    bool

	closeOnce sync.Once
}

// CreatePlainReceiver mints an unconnected plain receiver.
func (r *Router) CreatePlainReceiver() *PlainReceiver {
	return &PlainReceiver{
		id:        xid.New().String(),
		consumers: make(map[string]*Consumer),
	}
}

// ID returns the receiver identifier.
func (pr *PlainReceiver) ID() string { return pr.id }

// Connect binds the receiver to push RTP at ip:rtpPort. The RTCP port is
// recorded for the session descriptor only.
func (pr *PlainReceiver) Connect(ip string, rtpPort, rtcpPort int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, rtpPort))
	if err != nil {
		return fmt.Errorf("resolve rtp target: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial rtp target: %w", err)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		conn.Close()
		return fmt.Errorf("plain receiver %s is closed", pr.id)
	}
	if pr.conn != nil {
		conn.Close()
		return fmt.Errorf("plain receiver %s already connected", pr.id)
	}
	pr.conn = conn
	pr.rtpPort = rtpPort
	pr.rtcpPort = rtcpPort
	return nil
}

func (pr *PlainReceiver) write(b []byte) {
	pr.mu.Lock()
	conn := pr.conn
	pr.mu.Unlock()
	if conn != nil {
		_, _ = conn.Write(b)
	}
}

// Consume subscribes the receiver to a producer. Each packet is rewritten to
// the router's negotiated Opus payload type and pushed over UDP.
func (pr *PlainReceiver) Consume(producer *Producer) (*Consumer, error) {
	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		return nil, fmt.Errorf("plain receiver %s is closed", pr.id)
	}
	if pr.conn == nil {
		pr.mu.Unlock()
		return nil, fmt.Errorf("plain receiver %s not connected", pr.id)
	}
	pr.mu.Unlock()

	c := &Consumer{
		id:          xid.New().String(),
		producer:    producer,
		receiver:    pr,
		payloadType: OpusPayloadType,
		clockRate:   OpusClockRate,
		channels:    OpusChannels,
	}

	producer.AddSink(c.id, func(pkt *rtp.Packet) {
		// Copy the header so the rewrite never races other sinks.
		out := *pkt
		out.PayloadType = c.payloadType
		b, err := out.Marshal()
		if err != nil {
			return
		}
		pr.write(b)
	})

	pr.mu.Lock()
	pr.consumers[c.id] = c
	pr.mu.Unlock()
	return c, nil
}

// Close drops the socket and closes all consumers, firing their
// transport-close hooks. Idempotent.
func (pr *PlainReceiver) Close() {
	pr.closeOnce.Do(func() {
		pr.mu.Lock()
		pr.closed = true
		conn := pr.conn
		pr.conn = nil
		consumers := make([]*Consumer, 0, len(pr.consumers))
		for _, c := range pr.consumers {
			consumers = append(consumers, c)
		}
		pr.consumers = make(map[string]*Consumer)
		pr.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		for _, c := range consumers {
			c.transportClosed()
		}
	})
}

// Consumer is a server-side subscription of a plain receiver to a producer.
type Consumer struct {
	id       string
	producer *Producer
	receiver *PlainReceiver

	payloadType uint8
	clockRate   uint32
	channels    uint16

	mu               sync.Mutex
	onTransportClose []func()
	closeOnce        sync.Once
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string { return c.id }

// PayloadType returns the negotiated RTP payload type.
func (c *Consumer) PayloadType() uint8 { return c.payloadType }

// ClockRate returns the negotiated clock rate.
func (c *Consumer) ClockRate() uint32 { return c.clockRate }

// Channels returns the negotiated channel count.
func (c *Consumer) Channels() uint16 { return c.channels }

// OnTransportClose registers a hook fired once when the owning plain
// receiver closes underneath the consumer.
func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = append(c.onTransportClose, fn)
}

func (c *Consumer) transportClosed() {
	c.mu.Lock()
	hooks := c.onTransportClose
	c.onTransportClose = nil
	c.mu.Unlock()

	c.detach()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Consumer) detach() {
	c.closeOnce.Do(func() {
		c.producer.RemoveSink(c.id)
		c.receiver.mu.Lock()
		delete(c.receiver.consumers, c.id)
		c.receiver.mu.Unlock()
	})
}

// Close unsubscribes the consumer from its producer. Idempotent. Does not
// fire transport-close hooks.
func (c *Consumer) Close() {
	c.detach()
}
