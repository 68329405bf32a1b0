package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/github"
	"github.com/holon-run/mergequeue/pkg/hosting"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/store"
)

// Service appends newline-delimited events read from a file or stdin to the
// event stream. A line is either a normalized event or a GitHub webhook
// delivery:
//
//	{"repo":{"owner":"octo","name":"widgets"},"kind":"refresh"}
//	{"event":"pull_request","delivery":"d1","payload":{...}}
//	{"x_github_event":"pull_request","x_github_delivery":"d1","action":"opened",...}
type Service struct {
	stream   store.Stream
	repoHint hosting.Repo
	audit    *auditLog
	now      func() time.Time
}

var idCounter uint64

// Config configures NDJSON ingestion.
type Config struct {
	// RepoHint is used for normalized events without a repository.
	RepoHint string
	// StateDir receives the deliveries.ndjson audit log. Empty disables it.
	StateDir string
	Stream   store.Stream
}

// Stats counts the lines of one run.
type Stats struct {
	Accepted int
	Ignored  int
}

func New(cfg Config) (*Service, error) {
	if cfg.Stream == nil {
		return nil, errors.New("event stream is required")
	}
	s := &Service{stream: cfg.Stream, now: time.Now}
	if cfg.RepoHint != "" {
		repo, err := hosting.ParseRepo(cfg.RepoHint)
		if err != nil {
			return nil, err
		}
		s.repoHint = repo
	}
	audit, err := openAuditLog(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	s.audit = audit
	return s, nil
}

func (s *Service) Close() error {
	return s.audit.Close()
}

// Run appends every line of r, stopping after maxEvents accepted events when
// maxEvents is positive.
func (s *Service) Run(ctx context.Context, r io.Reader, maxEvents int) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(r)
	// GitHub payload lines can exceed Scanner's default 64 KiB token limit.
	scanner.Buffer(make([]byte, 0, 128*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec := DeliveryRecord{Source: "ndjson", ReceivedAt: s.now().UTC()}
		ev, err := s.normalizeLine([]byte(line), &rec)
		if errors.Is(err, github.ErrIgnored) {
			stats.Ignored++
			rec.Status, rec.Reason = StatusIgnored, err.Error()
			s.audit.record(rec)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("failed to normalize event line %d: %w", lineNo, err)
		}

		msg, err := s.stream.Append(ctx, ev)
		if err != nil {
			return stats, err
		}
		stats.Accepted++
		rec.ID, rec.Status = ev.DeliveryID, StatusAccepted
		rec.Repo, rec.Kind = ev.Repo.String(), string(ev.Kind)
		rec.Stream, rec.Seq = msg.Stream, msg.Seq
		s.audit.record(rec)
		mqlog.Debug("event appended", "repo", rec.Repo, "kind", rec.Kind, "delivery", ev.DeliveryID, "seq", msg.Seq)
		if maxEvents > 0 && stats.Accepted >= maxEvents {
			return stats, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read events: %w", err)
	}
	return stats, nil
}

type lineHeader struct {
	Kind            event.Kind      `json:"kind"`
	Event           string          `json:"event"`
	Delivery        string          `json:"delivery"`
	Payload         json.RawMessage `json:"payload"`
	XGitHubEvent    string          `json:"x_github_event"`
	XGitHubDelivery string          `json:"x_github_delivery"`
}

func (s *Service) normalizeLine(line []byte, rec *DeliveryRecord) (event.Event, error) {
	var h lineHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return event.Event{}, fmt.Errorf("invalid json: %w", err)
	}
	if h.Kind != "" {
		rec.Type = string(h.Kind)
		return s.normalizeEvent(line)
	}

	eventType := h.Event
	if eventType == "" {
		eventType = h.XGitHubEvent
	}
	if eventType == "" {
		return event.Event{}, errors.New("missing kind, event or x_github_event")
	}
	rec.Type = eventType
	delivery := h.Delivery
	if delivery == "" {
		delivery = h.XGitHubDelivery
	}
	if delivery == "" {
		delivery = newID("delivery", s.now().UTC())
	}
	rec.ID = delivery
	payload := []byte(h.Payload)
	if len(payload) == 0 {
		payload = line
	}
	ev, err := github.ParseWebhook(eventType, delivery, payload)
	if err != nil {
		return event.Event{}, err
	}
	ev.ReceivedAt = s.now().UTC()
	return ev, nil
}

func (s *Service) normalizeEvent(line []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return event.Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Repo == (hosting.Repo{}) {
		ev.Repo = s.repoHint
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = newID("evt", s.now().UTC())
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	return ev, ev.Validate()
}

func newID(prefix string, t time.Time) string {
	seq := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, t.UnixNano(), seq)
}
