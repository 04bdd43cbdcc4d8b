package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"receiptpipe/internal/aggregate"
	"receiptpipe/internal/extraction"
)

// ErrDocumentUnavailable marks a document whose bytes could not be
// retrieved; such documents are skipped, never sent to the sources.
var ErrDocumentUnavailable = errors.New("document unavailable")

// Document processing statuses recorded in the run summary.
const (
	StatusSuccess        = "success"
	StatusSkipped        = "skipped"
	StatusNoValidResults = "no_valid_results"
	StatusError          = "error"
)

// DocumentStatus is one document's outcome in a run.
type DocumentStatus struct {
	DocumentID      string   `json:"document_id"`
	Status          string   `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	SourcesUsed     []string `json:"sources_used,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// RunSummary reports a whole pipeline run.
type RunSummary struct {
	RunID                     string           `json:"run_id"`
	Total                     int              `json:"total"`
	Successful                int              `json:"successful"`
	Failed                    int              `json:"failed"`
	Skipped                   int              `json:"skipped"`
	StartTime                 string           `json:"start_time"`
	EndTime                   string           `json:"end_time"`
	TotalDurationSeconds      float64          `json:"total_duration_seconds"`
	AveragePerDocumentSeconds float64          `json:"average_per_document_seconds"`
	Results                   []DocumentStatus `json:"results"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config wires a Service's collaborators.
type Config struct {
	Blobs       BlobStore
	Policy      Policy
	Accumulator *aggregate.Accumulator
	Store       RecordStore
	Artifacts   *ArtifactWriter

	// TimeSource overrides the clock, for testing.
	TimeSource TimeSource
	// Concurrency caps documents processed in parallel. Default 4.
	Concurrency int
	// Limit caps the number of documents taken from the blob store.
	// Zero means no cap.
	Limit int
}

// Service orchestrates the pipeline: fetch document bytes, route to
// sources, fan the source calls out concurrently, accumulate and merge
// their results, and persist the merged record with its audit context.
type Service struct {
	blobs       BlobStore
	policy      Policy
	accumulator *aggregate.Accumulator
	store       RecordStore
	artifacts   *ArtifactWriter
	timeSource  TimeSource
	concurrency int
	limit       int
}

// NewService creates a new Service.
func NewService(cfg Config) *Service {
	if cfg.TimeSource == nil {
		cfg.TimeSource = &defaultTimeSource{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Service{
		blobs:       cfg.Blobs,
		policy:      cfg.Policy,
		accumulator: cfg.Accumulator,
		store:       cfg.Store,
		artifacts:   cfg.Artifacts,
		timeSource:  cfg.TimeSource,
		concurrency: cfg.Concurrency,
		limit:       cfg.Limit,
	}
}

// NewRunID returns a fresh identifier for a pipeline run.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// Run processes every document the blob store lists and returns the run
// summary. Individual document failures are contained; only a storage
// failure that prevents listing any documents is fatal.
func (s *Service) Run(ctx context.Context, runID string) (*RunSummary, error) {
	start := s.timeSource.Now()

	names, err := s.blobs.List()
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	if s.limit > 0 && len(names) > s.limit {
		names = names[:s.limit]
	}

	slog.Info("Starting pipeline run", "run_id", runID, "documents", len(names))

	summary := &RunSummary{
		RunID:     runID,
		Total:     len(names),
		StartTime: start.Format(time.RFC3339),
		Results:   make([]DocumentStatus, 0, len(names)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			status := s.processOne(gctx, name)
			mu.Lock()
			summary.Results = append(summary.Results, status)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summary.Results, func(i, j int) bool {
		return summary.Results[i].DocumentID < summary.Results[j].DocumentID
	})
	for _, r := range summary.Results {
		switch r.Status {
		case StatusSuccess:
			summary.Successful++
		case StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	end := s.timeSource.Now()
	summary.EndTime = end.Format(time.RFC3339)
	summary.TotalDurationSeconds = end.Sub(start).Seconds()
	if summary.Total > 0 {
		summary.AveragePerDocumentSeconds = summary.TotalDurationSeconds / float64(summary.Total)
	}

	if s.artifacts != nil {
		if _, err := s.artifacts.WriteSummary(summary); err != nil {
			slog.Error("Failed to write run summary", "run_id", runID, "error", err)
		}
	}

	slog.Info("Pipeline run complete",
		"run_id", runID,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)

	return summary, nil
}

// processOne processes a single document and converts the outcome into a
// summary row.
func (s *Service) processOne(ctx context.Context, documentID string) DocumentStatus {
	start := s.timeSource.Now()
	record, err := s.ProcessDocument(ctx, documentID)
	duration := s.timeSource.Now().Sub(start).Seconds()

	status := DocumentStatus{
		DocumentID:      documentID,
		DurationSeconds: duration,
	}
	switch {
	case err == nil:
		status.Status = StatusSuccess
		status.SourcesUsed = record.SourcesUsed
	case errors.Is(err, ErrDocumentUnavailable):
		status.Status = StatusSkipped
		status.Reason = err.Error()
	case errors.Is(err, aggregate.ErrNoValidResults):
		status.Status = StatusNoValidResults
		status.Reason = err.Error()
	default:
		status.Status = StatusError
		status.Reason = err.Error()
	}
	return status
}

// ProcessDocument runs the full pipeline for one document: route, fan out
// to the selected sources concurrently, accumulate, merge and persist.
// Returns aggregate.ErrNoValidResults when every source failed; nothing is
// persisted in that case.
func (s *Service) ProcessDocument(ctx context.Context, documentID string) (*aggregate.MergedRecord, error) {
	// A document may be reprocessed in a fresh run while the accumulator is
	// process-lifetime state.
	s.accumulator.Reset(documentID)

	data, err := s.blobs.Get(documentID)
	if err != nil {
		slog.Warn("Skipping document, could not retrieve bytes", "document_id", documentID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	if len(data) == 0 {
		slog.Warn("Skipping document, empty blob", "document_id", documentID)
		return nil, fmt.Errorf("%w: empty blob", ErrDocumentUnavailable)
	}

	contentType := extraction.ResolveContentType(documentID)

	targets, err := s.policy.Route(ctx, documentID, data, contentType)
	if err != nil {
		slog.Warn("Routing failed", "document_id", documentID, "error", err)
		return nil, fmt.Errorf("routing document: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range targets {
		src := src
		g.Go(func() error {
			result := s.produce(gctx, src, documentID, data, contentType)

			if s.artifacts != nil {
				if _, err := s.artifacts.WriteInterim(result); err != nil {
					slog.Error("Failed to write interim result", "document_id", documentID, "source", result.Source, "error", err)
				}
			}

			// Recompute on every arrival; only the final state is
			// persisted, once the orchestrator signals completion below.
			if _, _, err := s.accumulator.Add(result); err != nil && !errors.Is(err, aggregate.ErrNoValidResults) {
				slog.Error("Merge failed on arrival", "document_id", documentID, "source", result.Source, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	record, context, err := s.accumulator.Merge(documentID)
	if err != nil {
		if errors.Is(err, aggregate.ErrNoValidResults) {
			slog.Warn("No valid results to aggregate", "document_id", documentID)
		}
		return nil, err
	}

	if s.store != nil {
		if err := s.store.SaveRecord(record); err != nil {
			return nil, fmt.Errorf("saving merged record: %w", err)
		}
		if err := s.store.SaveContext(context); err != nil {
			return nil, fmt.Errorf("saving aggregation context: %w", err)
		}
	}
	if s.artifacts != nil {
		if _, err := s.artifacts.WriteRecord(record); err != nil {
			return nil, fmt.Errorf("writing merged record: %w", err)
		}
		if _, err := s.artifacts.WriteContext(context); err != nil {
			return nil, fmt.Errorf("writing aggregation context: %w", err)
		}
	}

	slog.Info("Document aggregated",
		"document_id", documentID,
		"best_source", record.Metadata.BestSource,
		"sources_used", record.SourcesUsed,
		"items", len(record.Items),
	)

	return record, nil
}

// produce is the boundary that guarantees a source call always yields a
// result: any error is converted into an error-tagged result that the
// merge engine will filter out, so one source's failure never aborts the
// document.
func (s *Service) produce(ctx context.Context, src extraction.Source, documentID string, data []byte, contentType string) extraction.Result {
	result, err := src.Extract(ctx, documentID, data, contentType)
	if err != nil {
		slog.Error("Source extraction failed",
			"source", src.Name(),
			"document_id", documentID,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return extraction.Errored(src.Name(), documentID, err)
	}
	return result
}
