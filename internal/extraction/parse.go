package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSONObject strips markdown code fences and surrounding prose from a
// model response, returning just the first JSON object found.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	return text[startIdx : endIdx+1], nil
}

// visionPayload is the structured JSON the vision model is prompted to emit.
type visionPayload struct {
	MerchantName    string     `json:"merchant_name"`
	TransactionDate string     `json:"transaction_date"`
	TransactionTime string     `json:"transaction_time"`
	TotalAmount     *float64   `json:"total_amount"`
	Currency        string     `json:"currency"`
	Items           []LineItem `json:"items"`
	ConfidenceLevel *float64   `json:"confidence_level"`
}

// parseVisionJSON parses the vision model's response text into its payload.
func parseVisionJSON(text string) (*visionPayload, error) {
	jsonText, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var payload visionPayload
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	payload.MerchantName = strings.TrimSpace(payload.MerchantName)
	payload.Currency = strings.ToUpper(strings.TrimSpace(payload.Currency))

	return &payload, nil
}

// parseQualityJSON parses the classifier's response text into an assessment.
// An unrecognized quality label is a parse failure, not a default: the
// router must treat it as an unroutable document.
func parseQualityJSON(text string) (QualityAssessment, error) {
	jsonText, err := extractJSONObject(text)
	if err != nil {
		return QualityAssessment{}, err
	}

	var assessment QualityAssessment
	if err := json.Unmarshal([]byte(jsonText), &assessment); err != nil {
		return QualityAssessment{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	assessment.Quality = Quality(strings.ToLower(strings.TrimSpace(string(assessment.Quality))))
	switch assessment.Quality {
	case QualityClear, QualityBlurry, QualityUncertain:
	default:
		return QualityAssessment{}, fmt.Errorf("unrecognized quality label: %q", assessment.Quality)
	}

	return assessment, nil
}
