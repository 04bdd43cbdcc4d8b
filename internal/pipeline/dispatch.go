package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"receiptpipe/internal/extraction"
)

// Policy selects which sources a document is dispatched to.
type Policy interface {
	Route(ctx context.Context, documentID string, imageData []byte, contentType string) ([]extraction.Source, error)
}

// AllSourcesPolicy fans every document out to every configured source; the
// merge engine's gap-filling is the primary value-add in this mode.
type AllSourcesPolicy struct {
	sources []extraction.Source
}

// NewAllSourcesPolicy creates a policy routing to all given sources.
func NewAllSourcesPolicy(sources ...extraction.Source) *AllSourcesPolicy {
	return &AllSourcesPolicy{sources: sources}
}

// Route returns every configured source.
func (p *AllSourcesPolicy) Route(ctx context.Context, documentID string, imageData []byte, contentType string) ([]extraction.Source, error) {
	return p.sources, nil
}

// QualityRoutedPolicy routes each document based on an image-quality
// classification: clear images go to the fast OCR source, blurry ones to
// structured extraction, and uncertain ones fan out to all sources.
type QualityRoutedPolicy struct {
	classifier extraction.QualityClassifier
	structured extraction.Source
	ocr        extraction.Source
	all        []extraction.Source
}

// NewQualityRoutedPolicy creates a quality-routed policy. The variadic set
// is the uncertain-quality fan-out target and should include the structured
// and OCR sources.
func NewQualityRoutedPolicy(classifier extraction.QualityClassifier, structured, ocr extraction.Source, all ...extraction.Source) *QualityRoutedPolicy {
	return &QualityRoutedPolicy{
		classifier: classifier,
		structured: structured,
		ocr:        ocr,
		all:        all,
	}
}

// Route classifies the document and picks the matching branch. A failed or
// unparseable classification is a routing failure for this document only:
// the error is returned for the caller to log and the document is simply
// not forwarded.
func (p *QualityRoutedPolicy) Route(ctx context.Context, documentID string, imageData []byte, contentType string) ([]extraction.Source, error) {
	assessment, err := p.classifier.Classify(ctx, documentID, imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("classifying image quality: %w", err)
	}

	slog.Info("Image quality assessed",
		"document_id", documentID,
		"quality", assessment.Quality,
		"confidence", assessment.ConfidenceScore,
	)

	switch assessment.Quality {
	case extraction.QualityClear:
		return []extraction.Source{p.ocr}, nil
	case extraction.QualityBlurry:
		return []extraction.Source{p.structured}, nil
	default:
		return p.all, nil
	}
}
