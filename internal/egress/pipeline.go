package egress

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// PipelineConfig selects the external transcoder binary and its tuning.
type PipelineConfig struct {
	BinaryPath      string
	JitterLatencyMs int
	ChunkSeconds    int
}

// Pipeline supervises one external transcoder process: RTP in on a UDP
// port, numbered 16kHz mono WAV segments out.
type Pipeline struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

// SpawnPipeline launches the transcoder listening on rtpPort and writing
// segments to outputPattern. Stderr is streamed line-by-line to the log
// under logTag; stdin and stdout are unused.
func SpawnPipeline(ctx context.Context, cfg PipelineConfig, rtpPort int, payloadType uint8, clockRate uint32, channels uint16, outputPattern, logTag string) (*Pipeline, error) {
	caps := fmt.Sprintf(
		"caps=application/x-rtp,media=audio,encoding-name=OPUS,payload=%d,clock-rate=%d,channels=%d",
		payloadType, clockRate, channels)

	args := []string{
		"udpsrc", "address=127.0.0.1", fmt.Sprintf("port=%d", rtpPort), caps,
		"!", "rtpjitterbuffer", fmt.Sprintf("latency=%d", cfg.JitterLatencyMs), "drop-on-latency=true",
		"!", "rtpopusdepay",
		"!", "opusdec",
		"!", "audioconvert",
		"!", "audioresample",
		"!", "audio/x-raw,rate=16000,channels=1",
		"!", "queue",
		"!", "splitmuxsink", "muxer=wavenc",
		fmt.Sprintf("location=%s", outputPattern),
		fmt.Sprintf("max-size-time=%d", int64(cfg.ChunkSeconds)*int64(time.Second)),
	}

	cmd := exec.Command(cfg.BinaryPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pipeline %s: %w", cfg.BinaryPath, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.InfoContext(ctx, "pipeline: "+scanner.Text(), slog.String("producer_id", logTag))
		}
	}()

	p := &Pipeline{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// WaitHealthy sleeps the startup grace period and fails if the process has
// already exited. A best-effort gate: the transcoder has no readiness
// protocol.
func (p *Pipeline) WaitHealthy(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return fmt.Errorf("pipeline exited during startup: %v", p.waitErr)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
		return nil
	}
}

// Exited is closed when the process exits.
func (p *Pipeline) Exited() <-chan struct{} {
	return p.done
}

// Terminate sends an unconditional kill. Idempotent; does not wait.
func (p *Pipeline) Terminate() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}
