package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pocketsh/internal/eventbus"
	"pkt.systems/pocketsh/internal/logx"
	"pkt.systems/pocketsh/internal/termengine"
	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultRenderInterval is the snapshot publication cadence.
	DefaultRenderInterval = 33 * time.Millisecond
	// DefaultReadBufferBytes sizes the remote read buffer.
	DefaultReadBufferBytes = 8192
)

// ResizeFunc forwards a terminal size change to the remote side.
type ResizeFunc func(ctx context.Context, cols, rows int) error

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	RenderInterval  time.Duration
	ReadBufferBytes int
	ScrollbackRows  int
	// Resize is called after the local engine is resized. Optional.
	Resize ResizeFunc
	Logger pslog.Logger
}

// Bridge relays bytes between a remote stream and a terminal engine and
// publishes sampled snapshots of the engine. A Bridge is attached once;
// after Detach it is inert.
type Bridge struct {
	id        string
	cfg       BridgeConfig
	log       pslog.Logger
	queue     *writeQueue
	snapshots *eventbus.Latest[schema.TerminalSnapshot]
	dirty     atomic.Bool
	done      chan struct{}

	// mu guards the engine and the fields below it.
	mu        sync.Mutex
	engine    *termengine.Engine
	epoch     uint64
	running   bool
	used      bool
	detached  bool
	loopCtx   context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	remoteOut io.ReadCloser

	// notifies tracks in-flight resize notifications. Add happens under mu
	// while the bridge is not detached.
	notifies sync.WaitGroup

	detachOnce sync.Once
}

// NewBridge constructs an unattached bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.RenderInterval <= 0 {
		cfg.RenderInterval = DefaultRenderInterval
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = DefaultReadBufferBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	id := uuid.NewString()
	log := logx.WithBridge(logger, id)
	return &Bridge{
		id:        id,
		cfg:       cfg,
		log:       log,
		queue:     newWriteQueue(),
		snapshots: eventbus.NewLatest("snapshot", schema.TerminalSnapshot{}, log),
		done:      make(chan struct{}),
	}
}

// ID returns the bridge instance identifier.
func (b *Bridge) ID() string {
	return b.id
}

// Attach sizes a fresh engine, publishes an initial snapshot and starts the
// read, write and render loops. The loops outlive ctx and stop on Detach,
// which closes remoteOut to end a pending read.
func (b *Bridge) Attach(ctx context.Context, remoteOut io.ReadCloser, remoteIn io.Writer, cols, rows int) error {
	if remoteOut == nil || remoteIn == nil {
		return errors.New("bridge streams are required")
	}
	cols, rows = schema.NormalizeSize(cols, rows)
	b.mu.Lock()
	if b.used {
		b.mu.Unlock()
		return ErrBridgeUsed
	}
	b.used = true
	b.engine = termengine.New(termengine.Options{
		Output:         engineReplies{queue: b.queue},
		Columns:        cols,
		Rows:           rows,
		ScrollbackRows: b.cfg.ScrollbackRows,
	})
	b.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group := &errgroup.Group{}
	b.loopCtx = loopCtx
	b.cancel = cancel
	b.group = group
	b.remoteOut = remoteOut
	initial := b.snapshotLocked()
	b.mu.Unlock()

	b.publish(initial)
	b.log.Info("bridge attached", "cols", cols, "rows", rows)
	group.Go(func() error { return b.readLoop(loopCtx, remoteOut) })
	group.Go(func() error { return b.writeLoop(loopCtx, remoteIn) })
	group.Go(func() error { return b.renderLoop(loopCtx) })
	return nil
}

// Detach stops the loops, releases the engine and publishes a final
// not-running snapshot. No snapshot is published after Detach returns.
// It is safe to call repeatedly and before Attach.
func (b *Bridge) Detach() {
	b.detachOnce.Do(func() {
		b.mu.Lock()
		b.used = true
		b.detached = true
		cancel, group, out := b.cancel, b.group, b.remoteOut
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if out != nil {
			if err := out.Close(); err != nil {
				b.log.Debug("bridge remote close failed", "err", err)
			}
		}
		if group != nil {
			_ = group.Wait()
		}
		b.notifies.Wait()
		b.queue.Close()

		b.mu.Lock()
		b.engine = nil
		b.running = false
		final := b.snapshotLocked()
		b.mu.Unlock()
		b.publish(final)
		b.snapshots.Seal()
		close(b.done)
		b.log.Info("bridge detached")
	})
}

// Done is closed once Detach completes.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Write queues local input for the remote side. It never blocks.
func (b *Bridge) Write(p []byte) {
	if !b.queue.Push(p) {
		b.log.Trace("bridge write dropped after detach", "bytes", len(p))
	}
}

// Resize resizes the engine, publishes a snapshot and notifies the remote
// side. The notification is cancelled by Detach, which waits for it; a
// failed notification is logged and the local size is kept.
func (b *Bridge) Resize(ctx context.Context, cols, rows int) {
	cols, rows = schema.NormalizeSize(cols, rows)
	b.mu.Lock()
	if b.engine == nil || b.detached {
		b.mu.Unlock()
		return
	}
	b.engine.Resize(cols, rows)
	snap := b.snapshotLocked()
	loopCtx := b.loopCtx
	notify := b.cfg.Resize != nil
	if notify {
		b.notifies.Add(1)
	}
	b.mu.Unlock()

	b.publish(snap)
	if !notify {
		return
	}
	defer b.notifies.Done()
	notifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()
	if err := b.cfg.Resize(notifyCtx, cols, rows); err != nil {
		if loopCtx.Err() != nil {
			b.log.Debug("bridge resize notify cancelled by detach", "cols", cols, "rows", rows)
			return
		}
		b.log.Warn("bridge resize notify failed", "cols", cols, "rows", rows, "err", err)
	}
}

// Snapshot returns the most recently published snapshot.
func (b *Bridge) Snapshot() schema.TerminalSnapshot {
	return b.snapshots.Load()
}

// Subscribe returns a channel of snapshots, primed with the latest one. The
// channel closes after Detach.
func (b *Bridge) Subscribe() (<-chan schema.TerminalSnapshot, func()) {
	return b.snapshots.Subscribe()
}

func (b *Bridge) readLoop(ctx context.Context, r io.Reader) error {
	buf := make([]byte, b.cfg.ReadBufferBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			if b.engine != nil {
				b.engine.Append(buf[:n])
			}
			b.mu.Unlock()
			b.dirty.Store(true)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			b.log.Info("bridge remote closed")
		} else {
			b.log.Warn("bridge read failed", "err", err)
		}
		b.markStopped()
		return nil
	}
}

// markStopped publishes a not-running snapshot with the last screen intact.
func (b *Bridge) markStopped() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	snap := b.snapshotLocked()
	b.mu.Unlock()
	b.publish(snap)
}

func (b *Bridge) writeLoop(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(interface{ Flush() error })
	for b.queue.Wait(ctx) {
		data := b.queue.Drain()
		if len(data) == 0 {
			continue
		}
		if _, err := w.Write(data); err != nil {
			if ctx.Err() == nil {
				b.log.Warn("bridge write failed", "bytes", len(data), "err", err)
			}
			return nil
		}
		if flusher != nil {
			if err := flusher.Flush(); err != nil {
				b.log.Warn("bridge flush failed", "err", err)
				return nil
			}
		}
	}
	return nil
}

func (b *Bridge) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.RenderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !b.dirty.Swap(false) {
			continue
		}
		b.mu.Lock()
		if b.engine == nil {
			b.mu.Unlock()
			continue
		}
		snap := b.snapshotLocked()
		b.mu.Unlock()
		b.publish(snap)
	}
}

// snapshotLocked samples the engine under b.mu and advances the epoch.
func (b *Bridge) snapshotLocked() schema.TerminalSnapshot {
	b.epoch++
	snap := schema.TerminalSnapshot{
		Running: b.running,
		Epoch:   b.epoch,
		Screen:  bridgeScreen{bridge: b},
	}
	if b.engine != nil {
		snap.Columns, snap.Rows = b.engine.Size()
		snap.CursorRow, snap.CursorCol = b.engine.Cursor()
		snap.CursorVisible = b.engine.CursorVisible()
		snap.AltScreen = b.engine.AltScreen()
		snap.Title = b.engine.Title()
		snap.ScrollbackDepth = b.engine.ScrollbackDepth()
	}
	return snap
}

// publish drops snap when a newer epoch was already published.
func (b *Bridge) publish(snap schema.TerminalSnapshot) {
	b.snapshots.PublishIf(snap, func(current schema.TerminalSnapshot) bool {
		return snap.Epoch > current.Epoch
	})
}

// bridgeScreen reads the live engine under the bridge lock on every call.
type bridgeScreen struct {
	bridge *Bridge
}

func (s bridgeScreen) Lines() []string {
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	if s.bridge.engine == nil {
		return nil
	}
	return s.bridge.engine.Lines()
}

func (s bridgeScreen) Scrollback(limit int) []string {
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	if s.bridge.engine == nil {
		return nil
	}
	return s.bridge.engine.Scrollback(limit)
}

// engineReplies routes emulator responses into the outbound queue.
type engineReplies struct {
	queue *writeQueue
}

func (r engineReplies) Write(p []byte) (int, error) {
	r.queue.Push(p)
	return len(p), nil
}
