package sfu

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(RouterConfig{})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func TestRouterCapabilities(t *testing.T) {
	r := testRouter(t)

	caps := r.RTPCapabilities()
	codecs, ok := caps["codecs"].([]map[string]any)
	if !ok || len(codecs) != 1 {
		t.Fatalf("expected exactly one codec, got %v", caps["codecs"])
	}
	if codecs[0]["mimeType"] != "audio/opus" {
		t.Errorf("got mimeType %v, want audio/opus", codecs[0]["mimeType"])
	}
	if codecs[0]["preferredPayloadType"] != OpusPayloadType {
		t.Errorf("got payload type %v, want %d", codecs[0]["preferredPayloadType"], OpusPayloadType)
	}
	exts, ok := caps["headerExtensions"].([]map[string]any)
	if !ok || len(exts) != 1 {
		t.Fatalf("expected one header extension, got %v", caps["headerExtensions"])
	}
}

// udpSink binds a loopback UDP listener and returns received datagrams.
func udpSink(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func TestPlainReceiverRewritesPayloadType(t *testing.T) {
	r := testRouter(t)
	sink, port := udpSink(t)

	pr := r.CreatePlainReceiver()
	if err := pr.Connect("127.0.0.1", port, port+1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pr.Close()

	producer := NewDirectProducer("audio")
	consumer, err := pr.Consume(producer)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumer.PayloadType() != OpusPayloadType {
		t.Errorf("got consumer payload type %d, want %d", consumer.PayloadType(), OpusPayloadType)
	}
	if consumer.ClockRate() != OpusClockRate || consumer.Channels() != OpusChannels {
		t.Errorf("got clock rate %d channels %d, want %d/%d",
			consumer.ClockRate(), consumer.Channels(), OpusClockRate, OpusChannels)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 42,
			Timestamp:      960,
			SSRC:           0xdeadbeef,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	producer.Push(pkt)

	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading pushed packet: %v", err)
	}

	var out rtp.Packet
	if err := out.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal pushed packet: %v", err)
	}
	if out.PayloadType != OpusPayloadType {
		t.Errorf("got payload type %d, want %d", out.PayloadType, OpusPayloadType)
	}
	if out.SequenceNumber != 42 || out.SSRC != 0xdeadbeef {
		t.Errorf("header not preserved: seq=%d ssrc=%d", out.SequenceNumber, out.SSRC)
	}
	if string(out.Payload) != string(pkt.Payload) {
		t.Errorf("payload not preserved: %v", out.Payload)
	}

	// The original packet must not be mutated by the rewrite.
	if pkt.PayloadType != 96 {
		t.Errorf("source packet mutated: payload type %d", pkt.PayloadType)
	}
}

func TestConsumerCloseDetaches(t *testing.T) {
	r := testRouter(t)
	sink, port := udpSink(t)

	pr := r.CreatePlainReceiver()
	if err := pr.Connect("127.0.0.1", port, port+1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pr.Close()

	producer := NewDirectProducer("audio")
	consumer, err := pr.Consume(producer)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	consumer.Close()

	producer.Push(&rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{0x00}})

	_ = sink.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1500)
	if n, _, err := sink.ReadFromUDP(buf); err == nil {
		t.Errorf("received %d bytes after consumer close", n)
	}
}

func TestConsumeRequiresConnect(t *testing.T) {
	r := testRouter(t)
	pr := r.CreatePlainReceiver()
	defer pr.Close()

	if _, err := pr.Consume(NewDirectProducer("audio")); err == nil {
		t.Fatal("expected error consuming on an unconnected receiver")
	}
}

func TestPlainReceiverCloseFiresTransportClose(t *testing.T) {
	r := testRouter(t)
	_, port := udpSink(t)

	pr := r.CreatePlainReceiver()
	if err := pr.Connect("127.0.0.1", port, port+1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	consumer, err := pr.Consume(NewDirectProducer("audio"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	fired := make(chan struct{})
	consumer.OnTransportClose(func() { close(fired) })

	pr.Close()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("transport-close hook did not fire")
	}

	// Double close must be a no-op.
	pr.Close()
}

func TestProducerOnCloseAfterClose(t *testing.T) {
	p := NewDirectProducer("audio")
	p.Close()

	fired := false
	p.OnClose(func() { fired = true })
	if !fired {
		t.Error("hook registered after close did not run immediately")
	}
}

func TestProducerCloseIdempotent(t *testing.T) {
	p := NewDirectProducer("audio")

	calls := 0
	p.OnClose(func() { calls++ })
	p.Close()
	p.Close()
	if calls != 1 {
		t.Errorf("close hook ran %d times, want 1", calls)
	}
}
