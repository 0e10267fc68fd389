// Package window maintains a memory-bounded sliding view over the full
// reconstructed transcript, with lazy paging in both directions for
// virtual scrolling. The window is a projection, not a second source of
// truth: every mutation to the backing sequence must also be applied here.
package window

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stitchcli/stitch/pkg/transcript"
)

const (
	// DefaultMaxItems caps the number of messages held in memory.
	DefaultMaxItems = 200
	// DefaultPageSize is how many messages one paging call loads.
	DefaultPageSize = 50
)

// DataSource abstracts the backing sequence behind the four operations the
// window needs.
type DataSource interface {
	// LoadLatest returns up to count messages from the tail, in order.
	LoadLatest(ctx context.Context, count int) ([]*transcript.Message, error)
	// LoadBefore returns up to count messages strictly before anchorID.
	LoadBefore(ctx context.Context, anchorID string, count int) ([]*transcript.Message, error)
	// LoadAfter returns up to count messages strictly after anchorID.
	LoadAfter(ctx context.Context, anchorID string, count int) ([]*transcript.Message, error)
	// HasBefore / HasAfter report whether more messages exist past the anchor.
	HasBefore(ctx context.Context, anchorID string) (bool, error)
	HasAfter(ctx context.Context, anchorID string) (bool, error)
}

// Window is the bounded view. Owned by the engine goroutine.
type Window struct {
	source   DataSource
	maxItems int
	pageSize int

	items   []*transcript.Message
	hasPrev bool
	hasNext bool
}

type Opt func(*Window)

func WithMaxItems(n int) Opt {
	return func(w *Window) {
		w.maxItems = n
	}
}

func WithPageSize(n int) Opt {
	return func(w *Window) {
		w.pageSize = n
	}
}

// New creates a window over the given source.
func New(source DataSource, opts ...Opt) *Window {
	w := &Window{
		source:   source,
		maxItems: DefaultMaxItems,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Messages returns the currently windowed slice, oldest first. The slice
// is shared with the window; callers must not mutate it.
func (w *Window) Messages() []*transcript.Message {
	return w.items
}

// Len returns the number of windowed messages.
func (w *Window) Len() int {
	return len(w.items)
}

// HasMoreOlder reports whether paging backward can load more.
func (w *Window) HasMoreOlder() bool {
	return w.hasPrev
}

// HasMoreNewer reports whether paging forward can load more.
func (w *Window) HasMoreNewer() bool {
	return w.hasNext
}

// LoadInitial populates the window with the tail of the backing sequence.
func (w *Window) LoadInitial(ctx context.Context) error {
	items, err := w.source.LoadLatest(ctx, w.pageSize)
	if err != nil {
		return fmt.Errorf("loading latest messages: %w", err)
	}
	w.items = items
	w.hasNext = false
	w.hasPrev = false
	if len(items) > 0 {
		w.hasPrev, err = w.source.HasBefore(ctx, items[0].ID)
		if err != nil {
			return fmt.Errorf("probing for older messages: %w", err)
		}
	}
	return nil
}

// LoadOlder extends the window backward by one page, trimming the newest
// items when the cap is exceeded. Returns how many messages were loaded.
func (w *Window) LoadOlder(ctx context.Context) (int, error) {
	if !w.hasPrev || len(w.items) == 0 {
		return 0, nil
	}
	anchor := w.items[0].ID
	older, err := w.source.LoadBefore(ctx, anchor, w.pageSize)
	if err != nil {
		return 0, fmt.Errorf("loading messages before %s: %w", anchor, err)
	}
	w.items = append(older, w.items...)
	if len(older) > 0 {
		w.hasPrev, err = w.source.HasBefore(ctx, older[0].ID)
		if err != nil {
			return 0, fmt.Errorf("probing for older messages: %w", err)
		}
	} else {
		w.hasPrev = false
	}
	w.trimTail()
	return len(older), nil
}

// LoadNewer extends the window forward by one page, trimming the oldest
// items when the cap is exceeded. Returns how many messages were loaded.
func (w *Window) LoadNewer(ctx context.Context) (int, error) {
	if !w.hasNext || len(w.items) == 0 {
		return 0, nil
	}
	anchor := w.items[len(w.items)-1].ID
	newer, err := w.source.LoadAfter(ctx, anchor, w.pageSize)
	if err != nil {
		return 0, fmt.Errorf("loading messages after %s: %w", anchor, err)
	}
	w.items = append(w.items, newer...)
	if len(newer) > 0 {
		w.hasNext, err = w.source.HasAfter(ctx, newer[len(newer)-1].ID)
		if err != nil {
			return 0, fmt.Errorf("probing for newer messages: %w", err)
		}
	} else {
		w.hasNext = false
	}
	w.trimHead()
	return len(newer), nil
}

// Append applies a live append. When the window has been paged away from
// the tail the new message is not visible yet; it will be paged in via
// LoadNewer, so only hasNext changes.
func (w *Window) Append(msg *transcript.Message) {
	if w.hasNext {
		return
	}
	w.items = append(w.items, msg)
	w.trimHead()
}

// Update applies an in-place mutation. The window shares message pointers
// with the backing sequence, so content is already current; this re-sorts
// nothing and exists to keep non-windowed mutations observable.
func (w *Window) Update(msg *transcript.Message) {
	for i, m := range w.items {
		if m.ID == msg.ID {
			w.items[i] = msg
			return
		}
	}
}

// Remove drops a message from the window, if present.
func (w *Window) Remove(id string) {
	for i, m := range w.items {
		if m.ID == id {
			w.items = append(w.items[:i], w.items[i+1:]...)
			return
		}
	}
}

// trimHead evicts the oldest items past the cap; older content remains
// reachable through LoadOlder.
func (w *Window) trimHead() {
	if over := len(w.items) - w.maxItems; over > 0 {
		w.items = w.items[over:]
		w.hasPrev = true
		slog.Debug("Window trimmed oldest items", "evicted", over)
	}
}

// trimTail evicts the newest items past the cap after backward paging.
func (w *Window) trimTail() {
	if over := len(w.items) - w.maxItems; over > 0 {
		w.items = w.items[:len(w.items)-over]
		w.hasNext = true
		slog.Debug("Window trimmed newest items", "evicted", over)
	}
}
