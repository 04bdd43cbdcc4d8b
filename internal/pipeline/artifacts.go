package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"receiptpipe/internal/aggregate"
	"receiptpipe/internal/extraction"
)

const (
	receiptsDirName  = "receipts"
	contextsDirName  = "aggregation_context"
	interimDirName   = "intermediary_outputs"
	summaryFileName  = "workflow_summary.json"
)

// ArtifactWriter lays out one run's JSON artifacts on disk:
//
//	<base>/<run-id>/receipts/<doc>.json              merged records
//	<base>/<run-id>/aggregation_context/<doc>_aggregation.json
//	<base>/<run-id>/intermediary_outputs/<doc>_<source>.json
//	<base>/<run-id>/workflow_summary.json
type ArtifactWriter struct {
	runDir string
}

// NewArtifactWriter creates the run directory under baseDir.
func NewArtifactWriter(baseDir, runID string) (*ArtifactWriter, error) {
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	return &ArtifactWriter{runDir: runDir}, nil
}

// RunDir returns the run's output directory.
func (w *ArtifactWriter) RunDir() string {
	return w.runDir
}

// WriteInterim persists a single source's result immediately on arrival so
// per-source outputs survive even if aggregation never succeeds.
func (w *ArtifactWriter) WriteInterim(result extraction.Result) (string, error) {
	name := fmt.Sprintf("%s_%s.json", safeFilename(result.DocumentID), result.Source)
	return w.writeJSON(interimDirName, name, result)
}

// WriteRecord persists the merged record for a document.
func (w *ArtifactWriter) WriteRecord(record *aggregate.MergedRecord) (string, error) {
	name := safeFilename(record.DocumentID) + ".json"
	return w.writeJSON(receiptsDirName, name, record)
}

// WriteContext persists the aggregation audit context for a document.
func (w *ArtifactWriter) WriteContext(context *aggregate.AggregationContext) (string, error) {
	name := safeFilename(context.DocumentID) + "_aggregation.json"
	return w.writeJSON(contextsDirName, name, context)
}

// WriteSummary persists the run summary.
func (w *ArtifactWriter) WriteSummary(summary *RunSummary) (string, error) {
	return w.writeJSON("", summaryFileName, summary)
}

func (w *ArtifactWriter) writeJSON(subDir, name string, v any) (string, error) {
	dir := w.runDir
	if subDir != "" {
		dir = filepath.Join(w.runDir, subDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating artifact directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling artifact: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// safeFilename flattens a document name into a filesystem-safe artifact
// name.
func safeFilename(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ".", "_", ":", "_").Replace(name)
}
