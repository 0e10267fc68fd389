// Package engine runs the single-owner loop that stitches session state
// together: it attaches to a session by reconciling history with any
// in-flight turn, then consumes the live event stream, routing every
// mutation through one goroutine. Background work (the post-attach
// resync, context size refresh, the finalize fail-safe timer) publishes
// results back onto the owner goroutine and is checked for staleness
// before it is applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stitchcli/stitch/pkg/events"
	"github.com/stitchcli/stitch/pkg/history"
	"github.com/stitchcli/stitch/pkg/lifecycle"
	"github.com/stitchcli/stitch/pkg/queue"
	"github.com/stitchcli/stitch/pkg/reconcile"
	"github.com/stitchcli/stitch/pkg/stream"
	"github.com/stitchcli/stitch/pkg/tokens"
	"github.com/stitchcli/stitch/pkg/transcript"
	"github.com/stitchcli/stitch/pkg/window"
)

// DefaultFlushInterval is the scheduling tick on which batched text and
// queued tool notifications are released.
const DefaultFlushInterval = 50 * time.Millisecond

// SnapshotProvider fetches the agent-state view of a turn in progress,
// if any. A nil snapshot means no turn is in flight.
type SnapshotProvider interface {
	InFlightSnapshot(ctx context.Context, sessionID string) (*reconcile.InFlightSnapshot, error)
}

// Engine owns all mutable session state. Exported accessors and
// transition methods must be called from the owner goroutine (inside
// Run); other goroutines hand work in through Post.
type Engine struct {
	sessionID string
	store     history.Store
	snapshots SnapshotProvider
	log       *slog.Logger

	frames <-chan events.Frame
	apply  chan func()

	backing *window.SliceSource
	win     *window.Window
	agg     *stream.Aggregator
	q       *queue.Queue
	machine *lifecycle.Machine
	acct    *tokens.Accountant

	observer transcript.Observer
	sink     *engineObserver
	turn     *transcript.TurnWindow
	current  *reconcile.Result

	// resyncGen invalidates in-flight background resyncs when the local
	// view is rebuilt for a new reason.
	resyncGen uint64

	flushInterval time.Duration
	failsafe      time.Duration
	budget        int
	maxItems      int
	pageSize      int
}

type Opt func(*Engine)

// WithObserver subscribes an external observer (a renderer) to every
// message mutation, after the engine's own bookkeeping ran.
func WithObserver(o transcript.Observer) Opt {
	return func(e *Engine) { e.observer = o }
}

// WithConsumer routes released queue updates to the given consumer.
func WithConsumer(c queue.Consumer) Opt {
	return func(e *Engine) { e.q = queue.New(c) }
}

func WithFlushInterval(d time.Duration) Opt {
	return func(e *Engine) { e.flushInterval = d }
}

func WithFailsafe(d time.Duration) Opt {
	return func(e *Engine) { e.failsafe = d }
}

func WithStreamBudget(chars int) Opt {
	return func(e *Engine) { e.budget = chars }
}

func WithWindowSize(maxItems, pageSize int) Opt {
	return func(e *Engine) {
		e.maxItems = maxItems
		e.pageSize = pageSize
	}
}

func WithLogger(log *slog.Logger) Opt {
	return func(e *Engine) { e.log = log }
}

// New assembles an engine for one session. frames is the live event
// stream; the engine stops when it closes. querier may be nil when no
// context size source exists.
func New(sessionID string, store history.Store, snapshots SnapshotProvider, querier tokens.ContextQuerier, frames <-chan events.Frame, opts ...Opt) *Engine {
	e := &Engine{
		sessionID:     sessionID,
		store:         store,
		snapshots:     snapshots,
		frames:        frames,
		apply:         make(chan func(), 64),
		log:           slog.Default(),
		flushInterval: DefaultFlushInterval,
		failsafe:      lifecycle.DefaultFailsafe,
		budget:        stream.DefaultBudget,
		maxItems:      window.DefaultMaxItems,
		pageSize:      window.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.observer == nil {
		e.observer = transcript.NopObserver{}
	}
	if e.q == nil {
		e.q = queue.New(func(queue.Update) {})
	}

	e.sink = &engineObserver{e}
	e.backing = window.NewSliceSource(nil)
	e.win = window.New(e.backing, window.WithMaxItems(e.maxItems), window.WithPageSize(e.pageSize))
	e.agg = stream.New(e.sink, stream.WithBudget(e.budget))
	e.machine = lifecycle.New(e.onFailsafe, lifecycle.WithFailsafe(e.failsafe))
	e.acct = tokens.New(sessionID, querier)
	return e
}

// engineObserver is the sink every message mutation flows through: it
// keeps the backing sequence and the visible window consistent, persists
// durable content, then forwards to the external observer.
type engineObserver struct{ e *Engine }

func (o *engineObserver) MessageAdded(msg *transcript.Message) {
	o.e.backing.Append(msg)
	o.e.win.Append(msg)
	o.e.persist(msg, false)
	o.e.observer.MessageAdded(msg)
}

func (o *engineObserver) MessageUpdated(msg *transcript.Message) {
	o.e.win.Update(msg)
	o.e.persist(msg, true)
	o.e.observer.MessageUpdated(msg)
}

func (o *engineObserver) MessageRemoved(id string) {
	o.e.backing.Remove(id)
	o.e.win.Remove(id)
	o.e.observer.MessageRemoved(id)
}

// persist mirrors durable message states to the local store. Streaming
// intermediates are skipped (the text is only durable at turn end), as
// are catch-up items, which the server already holds.
func (e *Engine) persist(msg *transcript.Message, update bool) {
	if msg.Kind == transcript.KindStreaming || msg.Immediate {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if update {
		err = e.store.UpdateMessage(ctx, e.sessionID, msg)
		if errors.Is(err, history.ErrNotFound) {
			err = e.store.AddMessage(ctx, e.sessionID, msg)
		}
	} else {
		err = e.store.AddMessage(ctx, e.sessionID, msg)
	}
	if err != nil {
		e.log.Warn("Persisting message failed",
			"session_id", e.sessionID,
			"message_id", msg.ID,
			"error", err)
	}
}

// Attach loads history, captures any in-flight snapshot, reconciles the
// two into the visible transcript, and seeds the token accountant. It
// must run before Run and completes synchronously so the first render
// has content.
func (e *Engine) Attach(ctx context.Context) error {
	state, err := e.store.GetReconstructedState(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("loading session history: %w", err)
	}

	var snap *reconcile.InFlightSnapshot
	if e.snapshots != nil {
		snap, err = e.snapshots.InFlightSnapshot(ctx, e.sessionID)
		if err != nil {
			// Attach still succeeds on history alone; the live stream
			// will carry anything the snapshot would have shown.
			e.log.Warn("In-flight snapshot unavailable, attaching from history only",
				"session_id", e.sessionID,
				"error", err)
			snap = nil
		}
	}

	res := reconcile.Merge(state, snap)
	e.installResult(ctx, res)

	e.acct.Seed(state.Totals, state.LastTurnInputTokens)

	if res.InFlight {
		e.machine.TurnStarted()
		e.turn = transcript.NewTurnWindow(res.HistoryBaseline, res.Turn)
		e.turn.FromCatchUp = true
		for _, msg := range res.CatchUp {
			switch {
			case msg.ToolCall != nil:
				e.turn.ObserveTool(msg.ToolCall.ID)
			case msg.Kind == transcript.KindText || msg.Kind == transcript.KindStreaming:
				e.turn.ObserveText(msg.ID)
			}
		}
	}

	e.log.Info("Attached to session",
		"session_id", e.sessionID,
		"history", res.HistoryBaseline,
		"catch_up", len(res.CatchUp),
		"in_flight", res.InFlight)
	return nil
}

// installResult replaces the visible transcript with a reconciled result
// and seeds the aggregator when the result carries a live streaming
// message the aggregator does not already own. An aggregator that is
// already active on the seed holds strictly newer content (deltas
// accepted since attach), so re-seeding would roll the text back.
// Wholesale replacement bypasses the per-message observer callbacks;
// observers implementing transcript.ReloadObserver are told about the
// rebuilt view, others must re-pull Messages.
func (e *Engine) installResult(ctx context.Context, res *reconcile.Result) {
	e.current = res
	e.resyncGen++
	e.backing.Replace(res.Messages)
	if err := e.win.LoadInitial(ctx); err != nil {
		e.log.Warn("Window reload failed", "error", err)
	}
	if res.SeedMessage != nil &&
		res.SeedMessage.Kind == transcript.KindStreaming &&
		e.agg.LiveID() != res.SeedMessage.ID {
		e.agg.CatchUpToInProgress(res.SeedMessage.Content, res.SeedMessage)
	}
	if r, ok := e.observer.(transcript.ReloadObserver); ok {
		r.TranscriptReloaded(e.win.Messages())
	}
}

// Run drives the owner loop until ctx is canceled or the event stream
// closes. Background tasks started here are supervised by an errgroup
// and only ever touch engine state through Post.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	gen := e.resyncGen
	g.Go(func() error {
		e.resync(gctx, gen)
		return nil
	})
	g.Go(func() error {
		e.refreshContext(gctx)
		return nil
	})
	g.Go(func() error {
		return e.loop(gctx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case frame, ok := <-e.frames:
			if !ok {
				e.disconnected()
				return nil
			}
			e.handleUpdate(events.Classify(frame))

		case fn := <-e.apply:
			fn()

		case <-ticker.C:
			e.agg.FlushPending()
			e.q.Flush()
		}
	}
}

// Post hands a closure to the owner goroutine. Safe to call from any
// goroutine; blocks only if the apply buffer is full.
func (e *Engine) Post(fn func()) {
	e.apply <- fn
}

// onFailsafe is invoked on the lifecycle timer's goroutine and republishes
// onto the owner loop, where the generation check decides staleness.
func (e *Engine) onFailsafe(gen uint64) {
	select {
	case e.apply <- func() {
		if e.machine.FailsafeExpired(gen) {
			e.q.Enqueue(queue.Update{Kind: queue.TurnBoundary})
		}
	}:
	default:
		e.log.Warn("Dropping fail-safe expiry, apply queue full")
	}
}

// resync pulls the authoritative event log in the background and re-merges
// it under the generation captured at start. A resync that raced with a
// newer rebuild is discarded unapplied.
func (e *Engine) resync(ctx context.Context, gen uint64) {
	if err := e.store.SyncSessionEvents(ctx, e.sessionID); err != nil {
		e.log.Warn("Background resync failed", "session_id", e.sessionID, "error", err)
		return
	}
	fresh, err := e.store.GetReconstructedState(ctx, e.sessionID)
	if err != nil {
		e.log.Warn("Reloading state after resync failed", "session_id", e.sessionID, "error", err)
		return
	}
	e.Post(func() {
		if gen != e.resyncGen {
			e.log.Debug("Discarding stale resync result", "gen", gen, "current", e.resyncGen)
			return
		}
		// Messages the stream appended since the last install exist only
		// in the backing sequence; they must survive the rebuild.
		var live []*transcript.Message
		if all := e.backing.All(); len(all) > len(e.current.Messages) {
			live = all[len(e.current.Messages):]
		}
		res := reconcile.ReMerge(e.current, fresh, live)
		if res == e.current {
			return
		}
		e.installResult(ctx, res)
		if e.turn != nil {
			e.turn.StartIndex = res.HistoryBaseline
		}
		e.log.Debug("Applied resync re-merge",
			"history", res.HistoryBaseline,
			"catch_up", len(res.CatchUp))
	})
}

func (e *Engine) refreshContext(ctx context.Context) {
	size, err := e.acct.Refresh(ctx)
	if err != nil {
		e.log.Debug("Context size refresh failed", "session_id", e.sessionID, "error", err)
		return
	}
	e.Post(func() {
		e.acct.SetContextTokens(size)
	})
}

// disconnected handles the event stream closing: pending finalize state
// can never be confirmed, so the turn is released immediately.
func (e *Engine) disconnected() {
	e.log.Info("Event stream closed", "session_id", e.sessionID)
	e.agg.FlushPending()
	e.machine.Disconnected()
	e.q.Flush()
}

func (e *Engine) shutdown() {
	e.agg.FlushPending()
	e.q.Reset()
	e.machine.Errored()
}

// Phase returns the current lifecycle phase. Owner goroutine only.
func (e *Engine) Phase() lifecycle.Phase {
	return e.machine.Phase()
}

// Messages returns the currently windowed transcript slice. Owner
// goroutine only.
func (e *Engine) Messages() []*transcript.Message {
	return e.win.Messages()
}

// Window exposes the paging view for older/newer loads. Owner goroutine
// only.
func (e *Engine) Window() *window.Window {
	return e.win
}

// Totals returns the accumulated billing counters. Owner goroutine only.
func (e *Engine) Totals() tokens.Totals {
	return e.acct.Totals()
}

// ContextTokens returns the last known context window estimate. Owner
// goroutine only.
func (e *Engine) ContextTokens() (int64, bool) {
	return e.acct.ContextTokens()
}
