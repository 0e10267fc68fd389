package window

import (
	"context"

	"github.com/stitchcli/stitch/pkg/transcript"
)

// SliceSource is a DataSource over an in-memory backing sequence. The
// engine uses it for the full reconstructed transcript of the current
// session; the window pages over it without copying.
type SliceSource struct {
	items []*transcript.Message
}

// NewSliceSource creates a source over the given sequence.
func NewSliceSource(items []*transcript.Message) *SliceSource {
	return &SliceSource{items: items}
}

// Append adds a message to the tail of the backing sequence.
func (s *SliceSource) Append(msg *transcript.Message) {
	s.items = append(s.items, msg)
}

// Remove deletes a message from the backing sequence.
func (s *SliceSource) Remove(id string) {
	for i, m := range s.items {
		if m.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Replace swaps the whole backing sequence (used after reconciliation).
func (s *SliceSource) Replace(items []*transcript.Message) {
	s.items = items
}

// All returns the full backing sequence.
func (s *SliceSource) All() []*transcript.Message {
	return s.items
}

// Len returns the length of the backing sequence.
func (s *SliceSource) Len() int {
	return len(s.items)
}

func (s *SliceSource) indexOf(id string) int {
	for i, m := range s.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *SliceSource) LoadLatest(_ context.Context, count int) ([]*transcript.Message, error) {
	start := max(0, len(s.items)-count)
	return append([]*transcript.Message(nil), s.items[start:]...), nil
}

func (s *SliceSource) LoadBefore(_ context.Context, anchorID string, count int) ([]*transcript.Message, error) {
	idx := s.indexOf(anchorID)
	if idx <= 0 {
		return nil, nil
	}
	start := max(0, idx-count)
	return append([]*transcript.Message(nil), s.items[start:idx]...), nil
}

func (s *SliceSource) LoadAfter(_ context.Context, anchorID string, count int) ([]*transcript.Message, error) {
	idx := s.indexOf(anchorID)
	if idx < 0 || idx+1 >= len(s.items) {
		return nil, nil
	}
	end := min(len(s.items), idx+1+count)
	return append([]*transcript.Message(nil), s.items[idx+1:end]...), nil
}

func (s *SliceSource) HasBefore(_ context.Context, anchorID string) (bool, error) {
	return s.indexOf(anchorID) > 0, nil
}

func (s *SliceSource) HasAfter(_ context.Context, anchorID string) (bool, error) {
	idx := s.indexOf(anchorID)
	return idx >= 0 && idx+1 < len(s.items), nil
}
