package egress

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func pollerConfig(dir string) PollerConfig {
	return PollerConfig{
		Dir:               dir,
		Prefix:            "room_r_prod_p_",
		Interval:          20 * time.Millisecond,
		StabilityInterval: 10 * time.Millisecond,
		StabilityTimeout:  500 * time.Millisecond,
	}
}

func writeSegment(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, minSegmentBytes), 0o644); err != nil {
		t.Fatalf("writing segment: %v", err)
	}
	return path
}

type segmentLog struct {
	mu    sync.Mutex
	names []string
}

func (l *segmentLog) record(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, filepath.Base(path))
}

func (l *segmentLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPollerEmitsInOrderAndUnlinks(t *testing.T) {
	dir := t.TempDir()
	// Written out of order; emission is lexicographic.
	writeSegment(t, dir, "room_r_prod_p_00002.wav")
	first := writeSegment(t, dir, "room_r_prod_p_00001.wav")

	log := &segmentLog{}
	p := StartPoller(t.Context(), pollerConfig(dir), log.record)
	defer p.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(log.snapshot()) == 2 })

	got := log.snapshot()
	if got[0] != "room_r_prod_p_00001.wav" || got[1] != "room_r_prod_p_00002.wav" {
		t.Errorf("emission order %v", got)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Error("segment not unlinked after emission")
	}
}

func TestPollerEmitsExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "room_r_prod_p_00001.wav")

	log := &segmentLog{}
	p := StartPoller(t.Context(), pollerConfig(dir), log.record)
	defer p.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(log.snapshot()) == 1 })
	time.Sleep(100 * time.Millisecond)

	if n := len(log.snapshot()); n != 1 {
		t.Errorf("segment emitted %d times, want 1", n)
	}
}

func TestPollerIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "room_other_prod_q_00001.wav")
	if err := os.WriteFile(filepath.Join(dir, "room_r_prod_p_notes.txt"), bytes.Repeat([]byte{1}, minSegmentBytes), 0o644); err != nil {
		t.Fatal(err)
	}
	writeSegment(t, dir, "room_r_prod_p_00001.wav")

	log := &segmentLog{}
	p := StartPoller(t.Context(), pollerConfig(dir), log.record)
	defer p.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(log.snapshot()) == 1 })
	time.Sleep(100 * time.Millisecond)

	got := log.snapshot()
	if len(got) != 1 || got[0] != "room_r_prod_p_00001.wav" {
		t.Errorf("got emissions %v", got)
	}
}

func TestPollerSkipsGrowingFile(t *testing.T) {
	dir := t.TempDir()
	// Below the minimum size: the stability gate never passes, so the
	// segment is held back and retried on the next scan, not consumed.
	path := filepath.Join(dir, "room_r_prod_p_00001.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	log := &segmentLog{}
	cfg := pollerConfig(dir)
	cfg.StabilityTimeout = 100 * time.Millisecond
	p := StartPoller(t.Context(), cfg, log.record)

	time.Sleep(300 * time.Millisecond)
	if n := len(log.snapshot()); n != 0 {
		t.Fatalf("undersized segment emitted %d times", n)
	}

	// Once it reaches full size it goes through.
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xCD}, minSegmentBytes), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(log.snapshot()) == 1 })
	p.Stop()
}

func TestPollerStopQuiesces(t *testing.T) {
	dir := t.TempDir()
	log := &segmentLog{}
	p := StartPoller(t.Context(), pollerConfig(dir), log.record)

	p.Stop()
	before := len(log.snapshot())

	writeSegment(t, dir, "room_r_prod_p_00009.wav")
	time.Sleep(100 * time.Millisecond)

	if after := len(log.snapshot()); after != before {
		t.Error("segment emitted after Stop returned")
	}

	// Stop is idempotent.
	p.Stop()
}
