package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/holon-run/mergequeue/pkg/event"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
)

// FileState stores each key as a JSON file below a directory.
type FileState struct {
	dir string
}

// NewFileState returns a store rooted at dir.
func NewFileState(dir string) (*FileState, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FileState{dir: dir}, nil
}

func (f *FileState) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid state key %q", key)
	}
	return filepath.Join(f.dir, filepath.FromSlash(clean)) + ".json", nil
}

func (f *FileState) Load(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return data, nil
}

func (f *FileState) Save(_ context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

func (f *FileState) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// trimThreshold is the number of dropped messages after which a stream file
// is rewritten.
const trimThreshold = 256

// FileStream persists each stream as an NDJSON file and the acknowledged
// cursors as a JSON file. Appends made by other processes are picked up
// through filesystem notifications.
type FileStream struct {
	dir string
	mem *MemoryStream

	mu      sync.Mutex
	offsets map[string]int64
	dropped map[string]int
	acked   map[string]map[string]int64

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

type fileRecord struct {
	Seq   int64       `json:"seq,omitempty"`
	Event event.Event `json:"event"`
}

// OpenFileStream loads the streams stored below dir and starts watching it.
func OpenFileStream(dir string) (*FileStream, error) {
	streamsDir := filepath.Join(dir, "streams")
	if err := os.MkdirAll(streamsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stream dir: %w", err)
	}
	s := &FileStream{
		dir:     dir,
		mem:     NewMemoryStream(),
		offsets: map[string]int64{},
		dropped: map[string]int{},
		acked:   map[string]map[string]int64{},
		done:    make(chan struct{}),
	}
	if err := s.loadCursors(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(streamsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	for _, e := range entries {
		if name, ok := streamOfFile(e.Name()); ok {
			if err := s.reload(name); err != nil {
				return nil, err
			}
		}
	}
	s.mem.mu.Lock()
	for group, streams := range s.acked {
		for name, acked := range streams {
			s.mem.ackLocked(group, Message{Stream: name, Seq: acked})
		}
	}
	s.mem.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(streamsDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", streamsDir, err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileStream) cursorsPath() string {
	return filepath.Join(s.dir, "cursors.json")
}

func (s *FileStream) streamPath(name string) string {
	return filepath.Join(s.dir, "streams", url.PathEscape(name)+".ndjson")
}

func streamOfFile(file string) (string, bool) {
	base, ok := strings.CutSuffix(file, ".ndjson")
	if !ok {
		return "", false
	}
	name, err := url.PathUnescape(base)
	if err != nil {
		return "", false
	}
	return name, true
}

func (s *FileStream) loadCursors() error {
	data, err := os.ReadFile(s.cursorsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read stream cursors: %w", err)
	}
	if err := json.Unmarshal(data, &s.acked); err != nil {
		return fmt.Errorf("failed to parse stream cursors: %w", err)
	}
	if s.acked == nil {
		s.acked = map[string]map[string]int64{}
	}
	return nil
}

// reload reads the records appended to a stream file since the last read.
func (s *FileStream) reload(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.streamPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open stream %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Seek(s.offsets[name], io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek stream %s: %w", name, err)
	}

	reader := bufio.NewReader(f)
	read := s.offsets[name]
	added := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			read += int64(len(line))
			if rec, ok := parseRecord(line); ok {
				s.mem.mu.Lock()
				s.mem.appendLocked(name, rec.Seq, rec.Event)
				s.mem.mu.Unlock()
				added++
			}
		}
		if err != nil {
			// A trailing partial line is read again once it is complete.
			break
		}
	}
	s.offsets[name] = read
	if added > 0 {
		s.mem.signal()
	}
	return nil
}

func parseRecord(line []byte) (fileRecord, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return fileRecord{}, false
	}
	var rec fileRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		mqlog.Warn("skipping malformed stream record", "error", err)
		return fileRecord{}, false
	}
	if err := rec.Event.Validate(); err != nil {
		mqlog.Warn("skipping invalid stream record", "error", err)
		return fileRecord{}, false
	}
	return rec, true
}

func (s *FileStream) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name, ok := streamOfFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if err := s.reload(name); err != nil {
				mqlog.Warn("failed to reload stream", "stream", name, "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			mqlog.Warn("fsnotify error", "error", err)
		}
	}
}

func (s *FileStream) Append(_ context.Context, ev event.Event) (Message, error) {
	if err := ev.Validate(); err != nil {
		return Message{}, err
	}
	name := StreamName(ev.Repo)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.mu.Lock()
	seq := s.mem.last[name] + 1
	s.mem.mu.Unlock()

	line, err := json.Marshal(fileRecord{Seq: seq, Event: ev})
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode event: %w", err)
	}
	f, err := os.OpenFile(s.streamPath(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return Message{}, fmt.Errorf("failed to open stream %s: %w", name, err)
	}
	n, err := f.Write(append(line, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to append to stream %s: %w", name, err)
	}
	s.offsets[name] += int64(n)

	s.mem.mu.Lock()
	msg := s.mem.appendLocked(name, seq, ev)
	s.mem.mu.Unlock()
	s.mem.signal()
	return msg, nil
}

func (s *FileStream) Read(ctx context.Context, group string, max int) ([]Message, error) {
	return s.mem.Read(ctx, group, max)
}

func (s *FileStream) Ack(_ context.Context, group string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.mu.Lock()
	dropped := s.mem.ackLocked(group, msg)
	retained := append([]Message(nil), s.mem.streams[msg.Stream]...)
	s.mem.mu.Unlock()

	if s.acked[group] == nil {
		s.acked[group] = map[string]int64{}
	}
	if msg.Seq > s.acked[group][msg.Stream] {
		s.acked[group][msg.Stream] = msg.Seq
	}
	if err := writeJSONAtomic(s.cursorsPath(), s.acked); err != nil {
		return fmt.Errorf("failed to write stream cursors: %w", err)
	}

	s.dropped[msg.Stream] += dropped
	if s.dropped[msg.Stream] >= trimThreshold || (dropped > 0 && len(retained) == 0) {
		return s.rewriteLocked(msg.Stream, retained)
	}
	return nil
}

// rewriteLocked replaces a stream file by its retained messages.
func (s *FileStream) rewriteLocked(name string, retained []Message) error {
	var buf bytes.Buffer
	for _, msg := range retained {
		line, err := json.Marshal(fileRecord{Seq: msg.Seq, Event: msg.Event})
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.streamPath(name), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to trim stream %s: %w", name, err)
	}
	s.offsets[name] = int64(buf.Len())
	s.dropped[name] = 0
	return nil
}

func (s *FileStream) Rewind(ctx context.Context, group string) error {
	return s.mem.Rewind(ctx, group)
}

func (s *FileStream) Streams(ctx context.Context) ([]string, error) {
	return s.mem.Streams(ctx)
}

func (s *FileStream) Notify() <-chan struct{} {
	return s.mem.Notify()
}

func (s *FileStream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	if cerr := s.mem.Close(); err == nil {
		err = cerr
	}
	return err
}
