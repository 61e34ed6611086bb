package egress

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// minSegmentBytes is the smallest size at which a WAV segment is considered
// complete; anything below it is still being flushed by the muxer.
const minSegmentBytes = 4096

// SegmentFunc receives the path of a finalized segment, before it is
// unlinked.
type SegmentFunc func(path string)

// PollerConfig tunes a spool watcher. Zero values fall back to defaults.
type PollerConfig struct {
	Dir               string
	Prefix            string
	Interval          time.Duration // default 250ms
	StabilityInterval time.Duration // default 120ms
	StabilityTimeout  time.Duration // default 1.2s
}

// Poller watches a spool directory for completed WAV segments matching a
// session prefix, emitting each exactly once and unlinking it afterwards.
// An fsnotify watch triggers immediate scans between interval ticks; the
// interval scan remains the source of truth when the watch cannot be set up.
type Poller struct {
	cfg       PollerConfig
	onSegment SegmentFunc

	seen     map[string]struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartPoller begins scanning. Stop must be called to release the watcher.
func StartPoller(ctx context.Context, cfg PollerConfig, onSegment SegmentFunc) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.StabilityInterval <= 0 {
		cfg.StabilityInterval = 120 * time.Millisecond
	}
	if cfg.StabilityTimeout <= 0 {
		cfg.StabilityTimeout = 1200 * time.Millisecond
	}

	p := &Poller{
		cfg:       cfg,
		onSegment: onSegment,
		seen:      make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(cfg.Dir); werr != nil {
			_ = watcher.Close()
			watcher = nil
			slog.WarnContext(ctx, "spool watch unavailable, polling only",
				slog.String("dir", cfg.Dir), slog.String("error", werr.Error()))
		}
	} else {
		watcher = nil
		slog.WarnContext(ctx, "fsnotify unavailable, polling only", slog.String("error", err.Error()))
	}

	go p.loop(ctx, watcher)
	return p
}

func (p *Poller) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(p.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scan(ctx)
		case ev := <-events:
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				p.scan(ctx)
			}
		case err := <-errs:
			if err != nil {
				slog.WarnContext(ctx, "spool watch error", slog.String("error", err.Error()))
			}
		}
	}
}

// scan emits every new, size-stable segment in lexicographic order. Errors
// are logged and swallowed; a transient filesystem hiccup must not kill the
// poller.
func (p *Poller) scan(ctx context.Context) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		slog.WarnContext(ctx, "spool scan failed", slog.String("dir", p.cfg.Dir), slog.String("error", err.Error()))
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, p.cfg.Prefix) || !strings.HasSuffix(name, ".wav") {
			continue
		}
		if _, ok := p.seen[name]; ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-p.stopCh:
			return
		default:
		}

		path := filepath.Join(p.cfg.Dir, name)
		if !p.waitStable(path) {
			continue
		}
		p.seen[name] = struct{}{}
		p.onSegment(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "segment unlink failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// waitStable samples the file size until it is both large enough and
// unchanged between consecutive samples, or the stability window runs out.
// The muxer finalizes segments in place, so a mid-flush read would yield a
// truncated WAV.
func (p *Poller) waitStable(path string) bool {
	deadline := time.Now().Add(p.cfg.StabilityTimeout)
	lastSize := int64(-1)
	for {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		size := info.Size()
		if size >= minSegmentBytes && size == lastSize {
			return true
		}
		lastSize = size

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-p.stopCh:
			return false
		case <-time.After(p.cfg.StabilityInterval):
		}
	}
}

// Stop cancels the scan loop and waits for it to drain; no onSegment call
// is made after Stop returns. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.done
}
