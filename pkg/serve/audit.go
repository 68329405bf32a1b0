package serve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	mqlog "github.com/holon-run/mergequeue/pkg/log"
)

// AuditFile is the name of the delivery audit log inside the state dir.
const AuditFile = "deliveries.ndjson"

// auditLog appends one DeliveryRecord per line. A nil *auditLog discards
// records.
type auditLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// openAuditLog opens dir/deliveries.ndjson for appending. An empty dir
// disables auditing.
func openAuditLog(dir string) (*auditLog, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	path := filepath.Join(dir, AuditFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %q: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &auditLog{file: f, enc: enc}, nil
}

// record writes rec. Write failures are logged and otherwise ignored.
func (a *auditLog) record(rec DeliveryRecord) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(rec); err != nil {
		mqlog.Warn("failed to write delivery record", "id", rec.ID, "error", err)
	}
}

func (a *auditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
