package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holon-run/mergequeue/pkg/event"
)

// MemoryState is an in-memory StateStore.
type MemoryState struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryState returns an empty store.
func NewMemoryState() *MemoryState {
	return &MemoryState{data: map[string][]byte{}}
}

func (m *MemoryState) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryState) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryState) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type cursor struct {
	Delivered int64
	Acked     int64
}

// MemoryStream is an in-memory Stream. Messages acknowledged by every known
// consumer group are dropped.
type MemoryStream struct {
	mu      sync.Mutex
	streams map[string][]Message
	last    map[string]int64
	groups  map[string]map[string]*cursor
	notify  chan struct{}
	closed  bool
}

// NewMemoryStream returns an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		streams: map[string][]Message{},
		last:    map[string]int64{},
		groups:  map[string]map[string]*cursor{},
		notify:  make(chan struct{}, 1),
	}
}

func (m *MemoryStream) Append(_ context.Context, ev event.Event) (Message, error) {
	if err := ev.Validate(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	msg := m.appendLocked(StreamName(ev.Repo), 0, ev)
	m.mu.Unlock()
	m.signal()
	return msg, nil
}

// appendLocked appends ev with the given sequence number, or the next one
// when seq does not advance the stream.
func (m *MemoryStream) appendLocked(stream string, seq int64, ev event.Event) Message {
	if seq <= m.last[stream] {
		seq = m.last[stream] + 1
	}
	m.last[stream] = seq
	msg := Message{Stream: stream, Seq: seq, Event: ev}
	m.streams[stream] = append(m.streams[stream], msg)
	return msg
}

func (m *MemoryStream) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MemoryStream) cursorLocked(group, stream string) *cursor {
	g, ok := m.groups[group]
	if !ok {
		g = map[string]*cursor{}
		m.groups[group] = g
	}
	c, ok := g[stream]
	if !ok {
		c = &cursor{}
		g[stream] = c
	}
	return c
}

func (m *MemoryStream) Read(_ context.Context, group string, max int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("stream is closed")
	}
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Message
	for _, name := range names {
		c := m.cursorLocked(group, name)
		for _, msg := range m.streams[name] {
			if max > 0 && len(out) >= max {
				return out, nil
			}
			if msg.Seq <= c.Delivered {
				continue
			}
			out = append(out, msg)
			c.Delivered = msg.Seq
		}
	}
	return out, nil
}

func (m *MemoryStream) Ack(_ context.Context, group string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackLocked(group, msg)
	return nil
}

// ackLocked advances the group cursor and trims the stream. It returns the
// number of messages dropped.
func (m *MemoryStream) ackLocked(group string, msg Message) int {
	c := m.cursorLocked(group, msg.Stream)
	if msg.Seq > c.Acked {
		c.Acked = msg.Seq
	}
	if c.Delivered < c.Acked {
		c.Delivered = c.Acked
	}
	return m.trimLocked(msg.Stream)
}

func (m *MemoryStream) trimLocked(stream string) int {
	min := int64(-1)
	for _, g := range m.groups {
		c, ok := g[stream]
		acked := int64(0)
		if ok {
			acked = c.Acked
		}
		if min < 0 || acked < min {
			min = acked
		}
	}
	msgs := m.streams[stream]
	n := 0
	for n < len(msgs) && msgs[n].Seq <= min {
		n++
	}
	if n == 0 {
		return 0
	}
	if n == len(msgs) {
		delete(m.streams, stream)
	} else {
		m.streams[stream] = append([]Message(nil), msgs[n:]...)
	}
	return n
}

func (m *MemoryStream) Rewind(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.groups[group] {
		c.Delivered = c.Acked
	}
	return nil
}

func (m *MemoryStream) Streams(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.streams))
	for name, msgs := range m.streams {
		if len(msgs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Pending returns the messages of group delivered but not acknowledged.
func (m *MemoryStream) Pending(group string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for name, c := range m.groups[group] {
		for _, msg := range m.streams[name] {
			if msg.Seq > c.Acked && msg.Seq <= c.Delivered {
				out = append(out, msg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (m *MemoryStream) Notify() <-chan struct{} {
	return m.notify
}

func (m *MemoryStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
