package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// visionDefaultConfidence is used when the model omits its self-reported
// confidence level.
const visionDefaultConfidence = 0.9

const visionExtractPrompt = `Analyze this receipt image and extract the following structured information as valid JSON:
- merchant_name: The name of the business or merchant
- transaction_date: The date of the transaction in any consistent format
- transaction_time: The time of the transaction if available
- total_amount: The total amount as a number without currency symbols
- currency: The currency code (USD, EUR, etc.)
- items: An array of purchased items, each with description and price
- confidence_level: Your confidence in the extracted data (0.0-1.0)

If any field is unreadable or missing, use null.
Return ONLY valid JSON with these fields. Do not use markdown code blocks.`

// VisionClient implements the Source interface using a Gemini
// vision-language model prompted for structured receipt extraction.
type VisionClient struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

// NewVisionClient creates a new vision-extraction Source instance.
func NewVisionClient(apiKey string, modelName string) (*VisionClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &VisionClient{
		client:    client,
		model:     client.GenerativeModel(modelName),
		modelName: modelName,
	}, nil
}

// Name returns the source identifier.
func (v *VisionClient) Name() string {
	return SourceVision
}

// Extract sends the receipt image to the vision model and maps its JSON
// response into a Result.
func (v *VisionClient) Extract(ctx context.Context, documentID string, imageData []byte, contentType string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	finalImageData, err := prepareImage(imageData, contentType)
	if err != nil {
		return Result{}, err
	}

	// prepareImage always yields PNG, and genai takes the bare format suffix.
	parts := []genai.Part{
		genai.ImageData("png", finalImageData),
		genai.Text(visionExtractPrompt),
	}

	resp, err := v.model.GenerateContent(ctx, parts...)
	if err != nil {
		return Result{}, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, fmt.Errorf("no response from vision model")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	text := strings.TrimSpace(responseText.String())
	payload, err := parseVisionJSON(text)
	if err != nil {
		return Result{}, fmt.Errorf("parsing extraction data: %w", err)
	}

	confidence := visionDefaultConfidence
	if payload.ConfidenceLevel != nil {
		confidence = *payload.ConfidenceLevel
	}

	return Result{
		Source:          SourceVision,
		DocumentID:      documentID,
		MerchantName:    payload.MerchantName,
		TransactionDate: payload.TransactionDate,
		TransactionTime: payload.TransactionTime,
		TotalAmount:     payload.TotalAmount,
		Currency:        payload.Currency,
		Items:           payload.Items,
		ConfidenceScore: &confidence,
		RawPayload: map[string]any{
			"model":    v.modelName,
			"response": text,
		},
	}, nil
}

// Close closes the underlying Gemini client.
func (v *VisionClient) Close() error {
	return v.client.Close()
}
