package aggregate

import (
	"errors"
	"sort"
	"strings"
	"time"

	"receiptpipe/internal/extraction"
)

// ErrNoValidResults signals that every accumulated result for a document is
// error-tagged (or none have arrived yet). It is a well-defined terminal
// state, not a failure: callers decide whether to wait, retry or give up.
var ErrNoValidResults = errors.New("no valid extraction results")

// MergeStrategy identifies this algorithm version in persisted audit
// artifacts.
const MergeStrategy = "highest_scoring_base_with_gap_filling"

// Presentation defaults applied to still-unset fields at output time. They
// are never recorded as field sources.
const (
	defaultMerchant = "Unknown"
	defaultDate     = "Unknown"
	defaultCurrency = "USD"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ItemSource attributes one merged line item to the source it came from.
type ItemSource struct {
	Description string `json:"description"`
	Source      string `json:"source"`
}

// Metadata carries the observability trail for one merged record.
type Metadata struct {
	ProcessingTimestamp string             `json:"processing_timestamp"`
	ConfidenceScore     float64            `json:"confidence_score"`
	CompletenessScore   float64            `json:"completeness_score"`
	AggregationScore    float64            `json:"aggregation_score"`
	BestSource          string             `json:"best_source"`
	SourceScores        map[string]float64 `json:"source_scores"`
	FieldSources        map[string]string  `json:"field_sources"`
	ItemSources         []ItemSource       `json:"item_sources"`
}

// MergedRecord is the single best-effort record produced for one document.
type MergedRecord struct {
	MerchantName    string                `json:"merchant_name"`
	TransactionDate string                `json:"transaction_date"`
	TransactionTime string                `json:"transaction_time,omitempty"`
	TotalAmount     float64               `json:"total_amount"`
	Currency        string                `json:"currency"`
	Items           []extraction.LineItem `json:"items"`
	Metadata        Metadata              `json:"metadata"`
	SourcesUsed     []string              `json:"sources_used"`
	DocumentID      string                `json:"document_id"`
}

// ExtractedFieldSummary condenses what one source extracted, for the audit
// trail.
type ExtractedFieldSummary struct {
	MerchantName    string   `json:"merchant_name,omitempty"`
	TransactionDate string   `json:"transaction_date,omitempty"`
	TransactionTime string   `json:"transaction_time,omitempty"`
	TotalAmount     *float64 `json:"total_amount,omitempty"`
	Currency        string   `json:"currency,omitempty"`
	NumItems        int      `json:"num_items"`
}

// ScoringDetail is one ranked row of the audit trail.
type ScoringDetail struct {
	Source            string                `json:"source"`
	FinalScore        float64               `json:"final_score"`
	CompletenessScore float64               `json:"completeness_score"`
	ConfidenceScore   float64               `json:"confidence_score"`
	ExtractedFields   ExtractedFieldSummary `json:"extracted_fields"`
}

// SelectionLogic records why the merge chose what it chose.
type SelectionLogic struct {
	BestSource       string            `json:"best_source"`
	BestScore        float64           `json:"best_score"`
	FieldAttribution map[string]string `json:"field_attribution"`
	ItemAttribution  []ItemSource      `json:"item_attribution"`
	MergeStrategy    string            `json:"merge_strategy"`
}

// AggregationContext is the full audit artifact for one merge decision,
// with the final output embedded for self-contained review.
type AggregationContext struct {
	DocumentID       string          `json:"document_id"`
	Timestamp        string          `json:"timestamp"`
	NumSources       int             `json:"num_sources"`
	SourcesEvaluated []string        `json:"sources_evaluated"`
	ScoringDetails   []ScoringDetail `json:"scoring_details"`
	SelectionLogic   SelectionLogic  `json:"selection_logic"`
	FinalOutput      *MergedRecord   `json:"final_output"`
}

// Merger reconciles a set of extraction results for one document into a
// single merged record. It is stateless; every call recomputes from
// scratch, so the output is always consistent with the full input set
// regardless of arrival order.
type Merger struct {
	priorities map[string]int
	timeSource TimeSource
}

// NewMerger creates a Merger with the default source priorities.
func NewMerger() *Merger {
	return NewMergerWithDeps(DefaultSourcePriorities, &defaultTimeSource{})
}

// NewMergerWithDeps creates a Merger with custom dependencies for testing.
func NewMergerWithDeps(priorities map[string]int, timeSource TimeSource) *Merger {
	return &Merger{
		priorities: priorities,
		timeSource: timeSource,
	}
}

// Merge ranks the valid results, seeds the record from the highest scorer
// and strictly gap-fills remaining fields and items from lower-ranked
// results, never overwriting a field once set. Returns ErrNoValidResults
// when no result survives the error filter.
func (m *Merger) Merge(results []extraction.Result) (*MergedRecord, *AggregationContext, error) {
	valid := make([]extraction.Result, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil, nil, ErrNoValidResults
	}

	// sources_used keeps arrival order, not score order.
	sourcesUsed := make([]string, 0, len(valid))
	for _, r := range valid {
		sourcesUsed = append(sourcesUsed, r.Source)
	}
	documentID := valid[0].DocumentID

	scored := make([]ScoredResult, 0, len(valid))
	for _, r := range valid {
		scored = append(scored, ScoreResult(r, m.priorities))
	}
	// Stable sort keeps equal scores in arrival order, the documented
	// tie-break of last resort.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	base := scored[0]

	record := &MergedRecord{
		DocumentID:  documentID,
		SourcesUsed: sourcesUsed,
		Items:       make([]extraction.LineItem, 0),
	}
	fieldSources := make(map[string]string)
	itemSources := make([]ItemSource, 0)
	seenItems := make(map[string]bool)

	for _, s := range scored {
		adoptScalars(record, s.Result, fieldSources)
		for _, item := range s.Result.Items {
			key := normalizeDescription(item.Description)
			// Items without a description cannot be deduplicated or
			// attributed, so they are dropped.
			if key == "" || seenItems[key] {
				continue
			}
			seenItems[key] = true
			record.Items = append(record.Items, item)
			itemSources = append(itemSources, ItemSource{
				Description: item.Description,
				Source:      s.Result.Source,
			})
		}
	}

	// Output defaults are a final fallback only; attribution stays accurate
	// because they are applied after gap-filling and never enter
	// fieldSources.
	if record.MerchantName == "" {
		record.MerchantName = defaultMerchant
	}
	if record.TransactionDate == "" {
		record.TransactionDate = defaultDate
	}
	if record.Currency == "" {
		record.Currency = defaultCurrency
	}

	sourceScores := make(map[string]float64, len(scored))
	scoringDetails := make([]ScoringDetail, 0, len(scored))
	for _, s := range scored {
		sourceScores[s.Result.Source] = s.Score
		scoringDetails = append(scoringDetails, ScoringDetail{
			Source:            s.Result.Source,
			FinalScore:        s.Score,
			CompletenessScore: s.Completeness,
			ConfidenceScore:   s.Confidence,
			ExtractedFields: ExtractedFieldSummary{
				MerchantName:    s.Result.MerchantName,
				TransactionDate: s.Result.TransactionDate,
				TransactionTime: s.Result.TransactionTime,
				TotalAmount:     s.Result.TotalAmount,
				Currency:        s.Result.Currency,
				NumItems:        len(s.Result.Items),
			},
		})
	}

	now := m.timeSource.Now().Format(time.RFC3339Nano)
	record.Metadata = Metadata{
		ProcessingTimestamp: now,
		ConfidenceScore:     base.Confidence,
		CompletenessScore:   base.Completeness,
		AggregationScore:    base.Score,
		BestSource:          base.Result.Source,
		SourceScores:        sourceScores,
		FieldSources:        fieldSources,
		ItemSources:         itemSources,
	}

	context := &AggregationContext{
		DocumentID:       documentID,
		Timestamp:        now,
		NumSources:       len(valid),
		SourcesEvaluated: sourcesUsed,
		ScoringDetails:   scoringDetails,
		SelectionLogic: SelectionLogic{
			BestSource:       base.Result.Source,
			BestScore:        base.Score,
			FieldAttribution: fieldSources,
			ItemAttribution:  itemSources,
			MergeStrategy:    MergeStrategy,
		},
		FinalOutput: record,
	}

	return record, context, nil
}

// adoptScalars fills any still-unset scalar field of the record from the
// given result. Strict gap-filling: a set field is never overwritten, no
// matter how the new result ranks.
func adoptScalars(record *MergedRecord, result extraction.Result, fieldSources map[string]string) {
	if record.MerchantName == "" && result.MerchantName != "" {
		record.MerchantName = result.MerchantName
		fieldSources["merchant_name"] = result.Source
	}
	if record.TransactionDate == "" && result.TransactionDate != "" {
		record.TransactionDate = result.TransactionDate
		fieldSources["transaction_date"] = result.Source
	}
	if record.TransactionTime == "" && result.TransactionTime != "" {
		record.TransactionTime = result.TransactionTime
		fieldSources["transaction_time"] = result.Source
	}
	if _, set := fieldSources["total_amount"]; !set && result.TotalAmount != nil {
		record.TotalAmount = *result.TotalAmount
		fieldSources["total_amount"] = result.Source
	}
	if record.Currency == "" && result.Currency != "" {
		record.Currency = result.Currency
		fieldSources["currency"] = result.Source
	}
}

// normalizeDescription is the line-item identity: case-insensitive,
// whitespace-trimmed description text.
func normalizeDescription(description string) string {
	return strings.ToLower(strings.TrimSpace(description))
}
