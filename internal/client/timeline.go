package client

import (
	"cmp"
	"slices"
	"sync"

	"frutiger-messenger/internal/chat"

	"github.com/samber/lo"
)

// Timeline is the client view of the active channel. Snapshots and live events
// may arrive in any order and more than once; the view stays sorted by id without duplicates.
type Timeline struct {
	mu       sync.Mutex
	key      chat.ChannelKey
	synced   bool
	messages []chat.MessagePayload
	onChange func(key chat.ChannelKey, messages []chat.MessagePayload)
}

// NewTimeline returns an empty Timeline. onChange, if not nil, is called with a copy of
// the view after every change while the timeline lock is held, so renders never interleave.
func NewTimeline(onChange func(key chat.ChannelKey, messages []chat.MessagePayload)) *Timeline {
	return &Timeline{onChange: onChange}
}

// Switch clears the view and makes key active
func (t *Timeline) Switch(key chat.ChannelKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.key = key
	t.synced = false
	t.messages = nil
	t.changed()
}

func (t *Timeline) Active() chat.ChannelKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.key
}

// Synced reports whether a snapshot of the active channel was applied since the last Switch
func (t *Timeline) Synced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.synced
}

// ApplySnapshot replaces the view with a history snapshot of key. Live messages newer
// than the last snapshot message are kept. Snapshots of other channels are ignored.
func (t *Timeline) ApplySnapshot(key chat.ChannelKey, snapshot []chat.MessagePayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key != t.key {
		return false
	}

	last := lo.MaxBy(snapshot, func(a, b chat.MessagePayload) bool { return a.ID > b.ID }).ID
	newer := lo.Filter(t.messages, func(m chat.MessagePayload, _ int) bool { return m.ID > last })

	t.messages = merge(snapshot, newer)
	t.synced = true
	t.changed()

	return true
}

// AppendLive inserts a live message of the active channel by id.
// Messages of other channels and duplicates are dropped.
func (t *Timeline) AppendLive(m chat.MessagePayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chat.ChannelKey(m.ServerChannel) != t.key {
		return false
	}

	i, found := slices.BinarySearchFunc(t.messages, m.ID, func(e chat.MessagePayload, id int64) int {
		return cmp.Compare(e.ID, id)
	})
	if found {
		return true
	}
	t.messages = slices.Insert(t.messages, i, m)
	t.changed()

	return true
}

// Messages returns a copy of the view
func (t *Timeline) Messages() []chat.MessagePayload {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.messages)
}

// changed must be called with t.mu held
func (t *Timeline) changed() {
	if t.onChange != nil {
		t.onChange(t.key, slices.Clone(t.messages))
	}
}

func merge(parts ...[]chat.MessagePayload) []chat.MessagePayload {
	all := lo.Flatten(parts)
	slices.SortStableFunc(all, func(a, b chat.MessagePayload) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return lo.UniqBy(all, func(m chat.MessagePayload) int64 {
		return m.ID
	})
}
