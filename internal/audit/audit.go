// Package audit emits tamper-evident records for validation and workflow
// outcomes. The bus fires records and forgets; persistence is external.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acgs/agentbus/internal/events"
)

// Recorder is the audit adapter contract. Record returns the audit hash of
// the submitted object.
type Recorder interface {
	Record(ctx context.Context, record map[string]interface{}) (string, error)
}

// HashingRecorder computes a sha256 audit hash over the canonical JSON of
// each record and publishes it on the event bus. It keeps a bounded tail of
// recent hashes for inspection.
type HashingRecorder struct {
	emitter events.Emitter

	mu     sync.Mutex
	recent []string
	max    int
}

// NewHashingRecorder builds a recorder. A nil emitter hashes without
// fan-out.
func NewHashingRecorder(emitter events.Emitter) *HashingRecorder {
	return &HashingRecorder{emitter: emitter, max: 256}
}

// Record hashes the record and emits an audit event. The record itself is
// annotated with the timestamp before hashing so replays produce distinct
// hashes.
func (r *HashingRecorder) Record(_ context.Context, record map[string]interface{}) (string, error) {
	if record == nil {
		record = map[string]interface{}{}
	}
	record["audited_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	sum := sha256.Sum256(raw)
	auditHash := hex.EncodeToString(sum[:])

	r.mu.Lock()
	r.recent = append(r.recent, auditHash)
	if len(r.recent) > r.max {
		r.recent = r.recent[len(r.recent)-r.max:]
	}
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.Emit("audit.recorded", "audit-recorder", auditHash, map[string]interface{}{
			"audit_hash": auditHash,
		})
	}
	return auditHash, nil
}

// RecentHashes returns a copy of the recent hash tail.
func (r *HashingRecorder) RecentHashes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.recent...)
}

// RecordAsync fires a record on its own goroutine; failures are logged.
func RecordAsync(recorder Recorder, record map[string]interface{}) {
	if recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := recorder.Record(ctx, record); err != nil {
			slog.Warn("[Audit] record failed", "error", err)
		}
	}()
}
