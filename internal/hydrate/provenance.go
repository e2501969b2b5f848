package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/storage"
)

// DefaultProvenanceTimeout bounds a pre-reload snapshot write.
const DefaultProvenanceTimeout = 500 * time.Millisecond

// Snapshot is one provenance record.
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	FilePath   string    `json:"filePath"`
	// Vector is the encoded replica state vector.
	Vector []byte `json:"vector"`
}

// Provenance writes state-vector snapshots before controlled reloads, for
// postmortem debugging of sync anomalies.
type Provenance struct {
	provider storage.Provider
	clock    clock.Clock
	timeout  time.Duration
	logger   *slog.Logger
}

// ProvenanceOption configures a Provenance.
type ProvenanceOption func(*Provenance)

// WithTimeout overrides DefaultProvenanceTimeout. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) ProvenanceOption {
	return func(p *Provenance) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProvenanceClock sets the clock used for timestamps and keys.
func WithProvenanceClock(c clock.Clock) ProvenanceOption {
	return func(p *Provenance) { p.clock = c }
}

// WithProvenanceLogger sets the logger.
func WithProvenanceLogger(l *slog.Logger) ProvenanceOption {
	return func(p *Provenance) { p.logger = l }
}

// NewProvenance creates a recorder writing to provider.
func NewProvenance(provider storage.Provider, opts ...ProvenanceOption) *Provenance {
	p := &Provenance{provider: provider, timeout: DefaultProvenanceTimeout}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.Or(p.clock)
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// RecordBeforeReload stores the document's state vector with a reason and
// originating file path. It is bounded by the configured timeout and never
// fails the caller: errors are logged and false is returned.
func (p *Provenance) RecordBeforeReload(ctx context.Context, docID string, doc *replica.Doc, reason, filePath string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap := Snapshot{
		DocumentID: docID,
		Timestamp:  p.clock.Now(),
		Reason:     reason,
		FilePath:   filePath,
	}
	if doc != nil {
		snap.Vector = doc.EncodeStateVector()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("provenance snapshot encode failed", "doc_id", docID, "error", err)
		return false
	}

	done := make(chan error, 1)
	go func() {
		done <- p.provider.Set(ctx, storage.ProvenanceKey(docID, snap.Timestamp), data)
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		p.logger.Warn("provenance snapshot not recorded",
			"doc_id", docID,
			"reason", reason,
			"retryable", storage.IsRetryable(err),
			"error", err,
		)
		return false
	}
	p.logger.Debug("provenance snapshot recorded", "doc_id", docID, "reason", reason)
	return true
}

// List returns a document's snapshots in chronological order. Records that
// fail to decode are skipped.
func (p *Provenance) List(ctx context.Context, docID string) ([]Snapshot, error) {
	keys, err := p.provider.List(ctx, storage.ProvenancePrefix(docID))
	if err != nil {
		return nil, fmt.Errorf("list provenance %s: %w", docID, err)
	}
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		data, err := p.provider.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read provenance %s: %w", key, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			p.logger.Warn("skipping unreadable provenance record", "key", key, "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
