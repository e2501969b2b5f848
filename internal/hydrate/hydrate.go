// Package hydrate populates a freshly registered document exactly once from
// the best available source, and records provenance snapshots before
// controlled reloads.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/richtext"
)

// PendingField is the scratch field holding converted legacy content until
// the editor absorbs it.
const PendingField = "pendingContent"

// Outcome says what Hydrate did.
type Outcome int

const (
	// OutcomeSkippedLiveChannel means a live channel was attached; nothing
	// was inspected.
	OutcomeSkippedLiveChannel Outcome = iota
	// OutcomeSkippedNonEmpty means the root container already had content.
	OutcomeSkippedNonEmpty
	// OutcomeApplied means the binary snapshot was applied.
	OutcomeApplied
	// OutcomeStagedLegacy means plain text was converted and staged in
	// PendingField.
	OutcomeStagedLegacy
	// OutcomeSkippedNoSource means there was nothing to hydrate from.
	OutcomeSkippedNoSource
	// OutcomeFailed means hydration failed; the failure is in Result.Err.
	OutcomeFailed
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSkippedLiveChannel:
		return "skipped-live-channel"
	case OutcomeSkippedNonEmpty:
		return "skipped-non-empty"
	case OutcomeApplied:
		return "applied"
	case OutcomeStagedLegacy:
		return "staged-legacy"
	case OutcomeSkippedNoSource:
		return "skipped-no-source"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LocalStore is the document's local persistence as seen by hydration.
// Implemented by *replica.Persistence.
type LocalStore interface {
	Synced() bool
	WhenSynced(ctx context.Context) error
}

// Request names the document and its candidate sources.
type Request struct {
	DocID string
	Doc   *replica.Doc
	// Local may be nil when the document has no local persistence.
	Local LocalStore
	// Snapshot is an encoded replica update; nil when absent.
	Snapshot []byte
	// PlainText is legacy content; "" when absent.
	PlainText string
}

// Result is the outcome of one Hydrate call.
type Result struct {
	Outcome Outcome
	// Err is set for OutcomeFailed, and for OutcomeStagedLegacy when the
	// snapshot failed to apply first.
	Err error
}

// Service runs hydration. The zero value logs to slog.Default.
type Service struct {
	logger *slog.Logger
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger}
}

func (s *Service) log() *slog.Logger {
	if s == nil || s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// Hydrate runs the one-time population decision. It never panics and never
// returns an error value: every failure is reported as OutcomeFailed.
// Calling it again on a hydrated document is a no-op because the root
// container is no longer empty.
func (s *Service) Hydrate(ctx context.Context, req Request) (res Result) {
	logger := s.log().With("doc_id", req.DocID)
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("hydrate %s: panic: %v", req.DocID, r)}
			logger.Error("hydration panicked", "panic", r)
		}
	}()

	if req.Doc == nil {
		return s.fail(logger, errors.New("no document"))
	}
	if req.Doc.ChannelAttached() {
		logger.Info("hydration skipped: live channel attached")
		return Result{Outcome: OutcomeSkippedLiveChannel}
	}

	if req.Local != nil && !req.Local.Synced() {
		logger.Debug("waiting for local store initial sync")
		if err := req.Local.WhenSynced(ctx); err != nil {
			return s.fail(logger, fmt.Errorf("wait for local store: %w", err))
		}
		// The channel may have attached while we waited.
		if req.Doc.ChannelAttached() {
			logger.Info("hydration skipped: live channel attached")
			return Result{Outcome: OutcomeSkippedLiveChannel}
		}
	}

	if n := req.Doc.Content().Len(); n > 0 {
		logger.Debug("hydration skipped: document not empty", "blocks", n)
		return Result{Outcome: OutcomeSkippedNonEmpty}
	}

	var snapErr error
	if len(req.Snapshot) > 0 {
		snapErr = applySnapshot(req.Doc, req.Snapshot)
		if snapErr == nil {
			logger.Info("hydrated from snapshot", "bytes", len(req.Snapshot))
			return Result{Outcome: OutcomeApplied}
		}
		logger.Warn("snapshot apply failed", "error", snapErr)
	}

	if req.PlainText != "" {
		n, err := stageLegacy(req.Doc, req.PlainText)
		if err != nil {
			return s.fail(logger, errors.Join(snapErr, err))
		}
		if n > 0 {
			logger.Info("staged legacy content", "blocks", n, "field", PendingField)
			return Result{Outcome: OutcomeStagedLegacy, Err: snapErr}
		}
	}

	if snapErr != nil {
		return s.fail(logger, snapErr)
	}
	logger.Debug("hydration skipped: no source")
	return Result{Outcome: OutcomeSkippedNoSource}
}

func (s *Service) fail(logger *slog.Logger, err error) Result {
	logger.Error("hydration failed", "error", err)
	return Result{Outcome: OutcomeFailed, Err: err}
}

// applySnapshot converts a panic inside the replica into an error so the
// legacy path can still run.
func applySnapshot(doc *replica.Doc, snapshot []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply snapshot: panic: %v", r)
		}
	}()
	if err := doc.ApplyUpdate(snapshot, nil); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	return nil
}

func stageLegacy(doc *replica.Doc, text string) (int, error) {
	blocks := richtext.FromPlainText(text)
	if len(blocks) == 0 {
		return 0, nil
	}
	data, err := richtext.Encode(blocks)
	if err != nil {
		return 0, fmt.Errorf("encode legacy content: %w", err)
	}
	if err := doc.SetScratch(PendingField, data); err != nil {
		return 0, fmt.Errorf("stage legacy content: %w", err)
	}
	return len(blocks), nil
}

// AbsorbPending moves staged legacy content into the root container and
// clears the scratch field. It is the editor-side half of the legacy path.
// Content that appeared in the meantime wins; the staged blocks are then
// discarded. Returns the number of blocks appended.
func AbsorbPending(doc *replica.Doc) (int, error) {
	data, ok := doc.Scratch(PendingField)
	if !ok {
		return 0, nil
	}
	blocks, err := richtext.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("absorb pending: %w", err)
	}
	n := 0
	if doc.Content().Len() == 0 && len(blocks) > 0 {
		payloads, err := richtext.Payloads(blocks)
		if err != nil {
			return 0, fmt.Errorf("absorb pending: %w", err)
		}
		if err := doc.AppendBlocks(payloads...); err != nil {
			return 0, fmt.Errorf("absorb pending: %w", err)
		}
		n = len(payloads)
	}
	if err := doc.SetScratch(PendingField, nil); err != nil {
		return n, fmt.Errorf("absorb pending: clear field: %w", err)
	}
	return n, nil
}
