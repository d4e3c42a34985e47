// Package ingest is the synchronous half of the pipeline: it normalizes and
// validates payloads at the API boundary and enqueues the aggregation work.
// The asynchronous half (Processor) runs the queued tasks.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"apmingest/internal/metrics"
	"apmingest/internal/normalize"
	"apmingest/internal/queue"
	"apmingest/internal/tenant"
)

// Task kinds.
const (
	KindErrorEvent       = "error_event"
	KindPerformanceEvent = "performance_event"
)

var (
	ErrEmptyBatch    = errors.New("batch has no events")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)

// Enqueuer is the part of queue.Queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, tc tenant.Context, kind string, payload any) (queue.Mode, error)
}

// Service accepts events on behalf of an authenticated project.
type Service struct {
	queue        Enqueuer
	logger       *zap.Logger
	maxBatchSize int

	now func() time.Time
}

// NewService creates a Service.
func NewService(q Enqueuer, maxBatchSize int, logger *zap.Logger) *Service {
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	return &Service{
		queue:        q,
		logger:       logger.Named("ingest"),
		maxBatchSize: maxBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Accepted is returned for a single accepted event.
type Accepted struct {
	ProjectID      uint       `json:"project_id"`
	ExceptionClass string     `json:"exception_class,omitempty"`
	Target         string     `json:"target,omitempty"`
	Mode           queue.Mode `json:"-"`
}

// SubmitError validates raw as an error event and enqueues it. Validation
// failures return a *normalize.ValidationError and enqueue nothing.
func (s *Service) SubmitError(ctx context.Context, tc tenant.Context, raw map[string]any) (*Accepted, error) {
	ev, err := normalize.NormalizeError(raw, s.now())
	if err != nil {
		s.count(tc, normalize.KindError, "rejected")
		return nil, err
	}
	return s.enqueueError(ctx, tc, raw, ev, "")
}

// SubmitPerformance validates raw as a performance sample and enqueues it.
func (s *Service) SubmitPerformance(ctx context.Context, tc tenant.Context, raw map[string]any) (*Accepted, error) {
	ev, err := normalize.NormalizePerformance(raw, s.now())
	if err != nil {
		s.count(tc, normalize.KindPerformance, "rejected")
		return nil, err
	}
	return s.enqueuePerformance(ctx, tc, raw, ev, "")
}

func (s *Service) enqueueError(ctx context.Context, tc tenant.Context, raw map[string]any, ev *normalize.ErrorEvent, batchID string) (*Accepted, error) {
	s.checkProjectHint(tc, raw)
	ev.ProjectID = tc.ProjectID
	ev.BatchID = batchID
	mode, err := s.queue.Enqueue(ctx, tc, KindErrorEvent, ev)
	if err != nil {
		s.count(tc, normalize.KindError, "failed")
		return nil, errors.Wrap(err, "enqueueing error event")
	}
	s.count(tc, normalize.KindError, "accepted")
	return &Accepted{ProjectID: tc.ProjectID, ExceptionClass: ev.ExceptionClass, Mode: mode}, nil
}

func (s *Service) enqueuePerformance(ctx context.Context, tc tenant.Context, raw map[string]any, ev *normalize.PerformanceEvent, batchID string) (*Accepted, error) {
	s.checkProjectHint(tc, raw)
	ev.ProjectID = tc.ProjectID
	ev.BatchID = batchID
	mode, err := s.queue.Enqueue(ctx, tc, KindPerformanceEvent, ev)
	if err != nil {
		s.count(tc, normalize.KindPerformance, "failed")
		return nil, errors.Wrap(err, "enqueueing performance event")
	}
	s.count(tc, normalize.KindPerformance, "accepted")
	return &Accepted{ProjectID: tc.ProjectID, Target: ev.Target, Mode: mode}, nil
}

// Rejection explains why one batch item was not processed.
type Rejection struct {
	Index   int                    `json:"index"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details []normalize.FieldError `json:"details,omitempty"`
}

// BatchResult summarizes a batch submission.
type BatchResult struct {
	BatchID        string      `json:"batch_id"`
	ProcessedCount int         `json:"processed_count"`
	TotalCount     int         `json:"total_count"`
	Rejected       []Rejection `json:"rejected,omitempty"`
}

// SubmitBatch classifies, validates and enqueues each item independently.
// Invalid, unclassifiable or failed items are reported and skipped; they
// never fail the batch.
func (s *Service) SubmitBatch(ctx context.Context, tc tenant.Context, items []map[string]any) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(items) > s.maxBatchSize {
		return nil, errors.Wrapf(ErrBatchTooLarge, "%d events, maximum is %d", len(items), s.maxBatchSize)
	}

	res := &BatchResult{BatchID: uuid.NewString(), TotalCount: len(items)}
	now := s.now()
	for i, raw := range items {
		if raw == nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Error: "validation_failed", Message: "event must be an object"})
			continue
		}
		norm, err := normalize.NormalizeBatchItem(raw, now)
		if err != nil {
			res.Rejected = append(res.Rejected, rejection(i, err))
			s.count(tc, norm.Kind, "rejected")
			continue
		}

		switch norm.Kind {
		case normalize.KindError:
			_, err = s.enqueueError(ctx, tc, raw, norm.Error, res.BatchID)
		case normalize.KindPerformance:
			_, err = s.enqueuePerformance(ctx, tc, raw, norm.Performance, res.BatchID)
		}
		if err != nil {
			s.logger.Error("batch item failed",
				zap.String("batch_id", res.BatchID),
				zap.Int("index", i),
				zap.Uint("project_id", tc.ProjectID),
				zap.Error(err),
			)
			res.Rejected = append(res.Rejected, Rejection{Index: i, Error: "processing_error", Message: "event could not be processed"})
			continue
		}
		res.ProcessedCount++
	}

	s.logger.Debug("batch accepted",
		zap.String("batch_id", res.BatchID),
		zap.Uint("project_id", tc.ProjectID),
		zap.Int("processed", res.ProcessedCount),
		zap.Int("total", res.TotalCount),
	)
	return res, nil
}

func rejection(index int, err error) Rejection {
	if verr, ok := normalize.AsValidationError(err); ok {
		return Rejection{Index: index, Error: "validation_failed", Message: verr.Error(), Details: verr.Fields}
	}
	if errors.Is(err, normalize.ErrUnknownType) {
		return Rejection{Index: index, Error: "unknown_type", Message: err.Error()}
	}
	return Rejection{Index: index, Error: "processing_error", Message: "event could not be processed"}
}

func (s *Service) checkProjectHint(tc tenant.Context, raw map[string]any) {
	if hint, ok := normalize.ProjectIDHint(raw); ok && hint != tc.ProjectID {
		s.logger.Debug("payload project_id ignored",
			zap.Uint("project_id", tc.ProjectID),
			zap.Uint("payload_project_id", hint),
		)
	}
}

func (s *Service) count(tc tenant.Context, kind normalize.Kind, result string) {
	metrics.EventsReceived.WithLabelValues(metrics.Project(tc.ProjectID), kind.String(), result).Inc()
}
