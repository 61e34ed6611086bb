package egress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/voicebridge/voicebridge/internal/analysis"
	"github.com/voicebridge/voicebridge/internal/sfu"
)

// SegmentForwarder posts one audio segment downstream and broadcasts the
// verdict to the owning room.
type SegmentForwarder interface {
	ForwardAndBroadcast(ctx context.Context, filename string, audio io.Reader, fields analysis.Fields) (*analysis.Verdict, error)
}

// SupervisorConfig tunes per-session provisioning.
type SupervisorConfig struct {
	SpoolDir       string
	PollInterval   time.Duration
	StartupGrace   time.Duration
	MaxPortRetries int
	Pipeline       PipelineConfig
}

// StartError reports an exhausted provisioning retry budget.
type StartError struct {
	Attempts int
	Last     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("egress start failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *StartError) Unwrap() error { return e.Last }

// Descriptor is the reply to a successful startEgress.
type Descriptor struct {
	OK             bool   `json:"ok"`
	ProducerID     string `json:"producerId"`
	RoomID         string `json:"roomId"`
	RTPPort        int    `json:"rtpPort"`
	RTCPPort       int    `json:"rtcpPort"`
	WavPrefix      string `json:"wavPrefix"`
	ChunkSeconds   int    `json:"chunkSeconds"`
	Engine         string `json:"engine"`
	PayloadType    uint8  `json:"payloadType"`
	Attempt        int    `json:"attempt"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
}

// Session is one live egress: a publisher's RTP pushed through a plain
// receiver into a transcoder whose segments are forwarded downstream.
type Session struct {
	ProducerID string
	RoomID     string
	PeerID     string
	Role       string
	RTPPort    int
	RTCPPort   int
	Prefix     string
	Attempt    int
	StartedAt  time.Time

	receiver *sfu.PlainReceiver
	consumer *sfu.Consumer
	pipeline *Pipeline
	poller   *Poller
}

// Supervisor owns the egress session registry and the per-publisher
// provision/teardown lifecycle.
type Supervisor struct {
	cfg       SupervisorConfig
	router    *sfu.Router
	forwarder SegmentForwarder
	pool      workerpool.WorkerPool

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]struct{}
}

// NewSupervisor creates a supervisor. pool, when non-nil, carries segment
// forwards so a slow analysis round-trip cannot stall the poller.
func NewSupervisor(cfg SupervisorConfig, router *sfu.Router, forwarder SegmentForwarder, pool workerpool.WorkerPool) *Supervisor {
	if cfg.MaxPortRetries <= 0 {
		cfg.MaxPortRetries = 10
	}
	return &Supervisor{
		cfg:       cfg,
		router:    router,
		forwarder: forwarder,
		pool:      pool,
		sessions:  make(map[string]*Session),
		pending:   make(map[string]struct{}),
	}
}

// SessionCount reports the number of live sessions.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartEgress provisions a session for the producer, retrying transient
// failures up to the configured budget. A second start for a producer that
// already has a session (or one being provisioned) is a successful no-op.
func (s *Supervisor) StartEgress(ctx context.Context, roomID, peerID, role string, producer *sfu.Producer) (*Descriptor, error) {
	if producer.Kind() != "audio" {
		return nil, fmt.Errorf("producer %s is not audio", producer.ID())
	}
	producerID := producer.ID()

	s.mu.Lock()
	if sess, ok := s.sessions[producerID]; ok {
		s.mu.Unlock()
		return s.descriptor(sess, true), nil
	}
	if _, ok := s.pending[producerID]; ok {
		s.mu.Unlock()
		return &Descriptor{OK: true, ProducerID: producerID, RoomID: roomID, AlreadyRunning: true}, nil
	}
	s.pending[producerID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, producerID)
		s.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxPortRetries; attempt++ {
		sess, err := s.provision(ctx, roomID, peerID, role, producer, attempt)
		if err != nil {
			lastErr = err
			slog.WarnContext(ctx, "egress attempt failed",
				slog.String("producer_id", producerID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.sessions[producerID] = sess
		s.mu.Unlock()

		// Close hooks capture the producer id only; they look the session
		// up again, so double-close is safe.
		producer.OnClose(func() {
			_, _ = s.StopEgress(context.Background(), producerID)
		})
		sess.consumer.OnTransportClose(func() {
			_, _ = s.StopEgress(context.Background(), producerID)
		})
		go s.watchPipeline(ctx, producerID, sess.pipeline)

		slog.InfoContext(ctx, "egress running",
			slog.String("producer_id", producerID),
			slog.String("room_id", roomID),
			slog.Int("rtp_port", sess.RTPPort),
			slog.Int("attempt", attempt))
		return s.descriptor(sess, false), nil
	}

	return nil, &StartError{Attempts: s.cfg.MaxPortRetries, Last: lastErr}
}

// provision builds one session attempt: plain receiver, ports, consumer,
// pipeline, health gate, then poller. Every partially-built resource is
// released on failure.
func (s *Supervisor) provision(ctx context.Context, roomID, peerID, role string, producer *sfu.Producer, attempt int) (*Session, error) {
	receiver := s.router.CreatePlainReceiver()

	fail := func(step string, err error) (*Session, error) {
		receiver.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	rtpPort, err := AllocateUDPPort("127.0.0.1")
	if err != nil {
		return fail("allocate rtp port", err)
	}
	rtcpPort, err := AllocateUDPPort("127.0.0.1")
	if err != nil {
		return fail("allocate rtcp port", err)
	}

	if err := receiver.Connect("127.0.0.1", rtpPort, rtcpPort); err != nil {
		return fail("connect plain receiver", err)
	}

	consumer, err := receiver.Consume(producer)
	if err != nil {
		return fail("consume producer", err)
	}

	prefix := fmt.Sprintf("room_%s_prod_%s_", roomID, producer.ID())
	pattern := filepath.Join(s.cfg.SpoolDir, prefix+"%05d.wav")

	pipeline, err := SpawnPipeline(ctx, s.cfg.Pipeline, rtpPort,
		consumer.PayloadType(), consumer.ClockRate(), consumer.Channels(),
		pattern, producer.ID())
	if err != nil {
		consumer.Close()
		return fail("spawn pipeline", err)
	}
	if err := pipeline.WaitHealthy(ctx, s.cfg.StartupGrace); err != nil {
		pipeline.Terminate()
		consumer.Close()
		return fail("pipeline health gate", err)
	}

	sess := &Session{
		ProducerID: producer.ID(),
		RoomID:     roomID,
		PeerID:     peerID,
		Role:       role,
		RTPPort:    rtpPort,
		RTCPPort:   rtcpPort,
		Prefix:     prefix,
		Attempt:    attempt,
		StartedAt:  time.Now(),
		receiver:   receiver,
		consumer:   consumer,
		pipeline:   pipeline,
	}
	sess.poller = StartPoller(ctx, PollerConfig{
		Dir:      s.cfg.SpoolDir,
		Prefix:   prefix,
		Interval: s.cfg.PollInterval,
	}, func(path string) { s.handleSegment(ctx, sess, path) })

	return sess, nil
}

// handleSegment reads a finalized segment and dispatches the forward. The
// bytes are read before the poller unlinks the file; the forward itself runs
// on the worker pool so segments can overlap downstream.
func (s *Supervisor) handleSegment(ctx context.Context, sess *Session, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.WarnContext(ctx, "segment read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	fields := analysis.Fields{
		RoomID:      sess.RoomID,
		Seq:         now,
		Timestamp:   now,
		ContextHint: fmt.Sprintf("egress peer=%s producer=%s role=%s", sess.PeerID, sess.ProducerID, sess.Role),
	}
	name := filepath.Base(path)

	forward := func() {
		if _, err := s.forwarder.ForwardAndBroadcast(ctx, name, bytes.NewReader(data), fields); err != nil {
			util.Log(ctx).WithError(err).Error(
				fmt.Sprintf("egress: forward of %s failed", name))
		}
	}
	if s.pool != nil {
		if err := s.pool.Submit(ctx, forward); err != nil {
			forward()
		}
	} else {
		forward()
	}
}

// watchPipeline tears the session down if the transcoder dies while
// running. After a normal stop the kill makes this a harmless no-op.
func (s *Supervisor) watchPipeline(ctx context.Context, producerID string, p *Pipeline) {
	<-p.Exited()
	if already, _ := s.StopEgress(ctx, producerID); !already {
		slog.WarnContext(ctx, "pipeline exited, session stopped",
			slog.String("producer_id", producerID))
	}
}

// StopEgress tears down the producer's session: poller first (synchronous,
// no segment callback after return), then subprocess, consumer, and plain
// receiver. Every release runs regardless of the others. Idempotent:
// reports alreadyStopped=true when no session exists.
func (s *Supervisor) StopEgress(ctx context.Context, producerID string) (alreadyStopped bool, err error) {
	s.mu.Lock()
	sess, ok := s.sessions[producerID]
	if !ok {
		s.mu.Unlock()
		return true, nil
	}
	delete(s.sessions, producerID)
	s.mu.Unlock()

	sess.poller.Stop()
	sess.pipeline.Terminate()
	sess.consumer.Close()
	sess.receiver.Close()

	slog.InfoContext(ctx, "egress stopped",
		slog.String("producer_id", producerID),
		slog.String("room_id", sess.RoomID))
	return false, nil
}

// StopAll stops every live session; used on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.StopEgress(ctx, id)
	}
}

func (s *Supervisor) descriptor(sess *Session, alreadyRunning bool) *Descriptor {
	return &Descriptor{
		OK:             true,
		ProducerID:     sess.ProducerID,
		RoomID:         sess.RoomID,
		RTPPort:        sess.RTPPort,
		RTCPPort:       sess.RTCPPort,
		WavPrefix:      sess.Prefix,
		ChunkSeconds:   s.cfg.Pipeline.ChunkSeconds,
		Engine:         "gstreamer",
		PayloadType:    sfu.OpusPayloadType,
		Attempt:        sess.Attempt,
		AlreadyRunning: alreadyRunning,
	}
}
