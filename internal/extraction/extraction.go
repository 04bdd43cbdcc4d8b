package extraction

import "context"

// Source name identifiers, ordered by default trust for tie-breaking.
const (
	SourceStructured = "structured_extraction"
	SourceOCR        = "ocr"
	SourceVision     = "vision_extraction"
)

// LineItem is one purchased item on a receipt.
type LineItem struct {
	Description string   `json:"description"`
	Quantity    string   `json:"quantity,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	TotalPrice  *float64 `json:"total_price,omitempty"`
}

// Result is one source's view of one document. Optional scalar fields use
// the empty string for "not extracted"; TotalAmount uses nil so that a
// legitimate zero total still counts as present.
type Result struct {
	Source          string         `json:"source"`
	DocumentID      string         `json:"document_id"`
	MerchantName    string         `json:"merchant_name,omitempty"`
	TransactionDate string         `json:"transaction_date,omitempty"`
	TransactionTime string         `json:"transaction_time,omitempty"`
	TotalAmount     *float64       `json:"total_amount,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	Items           []LineItem     `json:"items"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	RawPayload      map[string]any `json:"raw_payload,omitempty"`
}

// Failed reports whether the raw payload carries an error marker. Failed
// results are retained for audit but excluded from aggregation.
func (r Result) Failed() bool {
	_, ok := r.RawPayload["error"]
	return ok
}

// Errored builds an error-tagged Result for a source call that failed.
func Errored(source, documentID string, err error) Result {
	return Result{
		Source:     source,
		DocumentID: documentID,
		RawPayload: map[string]any{"error": err.Error()},
	}
}

// Source produces extraction results for receipt documents.
type Source interface {
	// Name returns the source identifier recorded in result provenance.
	Name() string
	// Extract analyzes a receipt image/PDF and returns the extracted fields
	Extract(ctx context.Context, documentID string, imageData []byte, contentType string) (Result, error)
	// Close closes the source and releases resources
	Close() error
}

// Quality is an image-quality classification used for routing.
type Quality string

const (
	QualityClear     Quality = "clear"
	QualityBlurry    Quality = "blurry"
	QualityUncertain Quality = "uncertain"
)

// QualityAssessment is the classifier's verdict for one document.
type QualityAssessment struct {
	Quality         Quality `json:"quality"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reasoning       string  `json:"reasoning"`
}

// QualityClassifier labels a receipt image as clear, blurry or uncertain.
type QualityClassifier interface {
	Classify(ctx context.Context, documentID string, imageData []byte, contentType string) (QualityAssessment, error)
	Close() error
}
