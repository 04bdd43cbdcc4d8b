package aggregate

import (
	"math"

	"receiptpipe/internal/extraction"
)

// DefaultSourcePriorities ranks sources for tie-breaking only. The weight
// applied to these values is small enough that what a source actually
// extracted always outweighs which source we trust a priori.
var DefaultSourcePriorities = map[string]int{
	extraction.SourceStructured: 3,
	extraction.SourceOCR:        2,
	extraction.SourceVision:     1,
}

// Field weights for the completeness score. The total amount is the
// critical field on a receipt and weighs the most.
const (
	merchantWeight = 2.0
	dateWeight     = 2.0
	totalWeight    = 3.0
	currencyWeight = 1.0
	timeWeight     = 1.0
	perItemWeight  = 0.5
	maxItemsWeight = 5.0

	completenessFactor = 0.7
	confidenceFactor   = 0.3
	priorityFactor     = 0.01

	// defaultConfidence stands in for sources that report none.
	defaultConfidence = 0.5
)

// ScoredResult pairs a result with its computed quality score. Scores are
// pure functions of the result; they are recomputed on every merge, never
// cached.
type ScoredResult struct {
	Result       extraction.Result
	Completeness float64
	Confidence   float64
	Score        float64
}

// ScoreResult computes the quality score for one extraction result.
// Completeness is the weighted sum over present fields normalized by the
// count of present fields, so a result with fewer but fully-specified
// fields is not penalized against one with many partially-specified fields.
func ScoreResult(result extraction.Result, priorities map[string]int) ScoredResult {
	var sum float64
	fields := 0

	if result.MerchantName != "" {
		sum += merchantWeight
		fields++
	}
	if result.TransactionDate != "" {
		sum += dateWeight
		fields++
	}
	if result.TotalAmount != nil {
		sum += totalWeight
		fields++
	}
	if result.Currency != "" {
		sum += currencyWeight
		fields++
	}
	if len(result.Items) > 0 {
		sum += math.Min(float64(len(result.Items))*perItemWeight, maxItemsWeight)
		fields++
	}
	if result.TransactionTime != "" {
		sum += timeWeight
		fields++
	}

	completeness := 0.0
	if fields > 0 {
		completeness = sum / float64(fields)
	}

	confidence := defaultConfidence
	if result.ConfidenceScore != nil {
		confidence = *result.ConfidenceScore
	}

	score := completeness*completenessFactor +
		confidence*confidenceFactor +
		float64(priorities[result.Source])*priorityFactor

	return ScoredResult{
		Result:       result,
		Completeness: completeness,
		Confidence:   confidence,
		Score:        score,
	}
}
