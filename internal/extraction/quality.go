package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const qualityAssessPrompt = `You are an image quality assessment specialist for receipt images.
Analyze the provided receipt image and determine its quality level.
Consider factors like text readability, contrast, resolution, and blur.

Return ONLY valid JSON in this exact format:
{
  "quality": "clear" | "blurry" | "uncertain",
  "confidence_score": 0.0,
  "reasoning": "one sentence explaining the verdict"
}

Do not use markdown code blocks.`

// GeminiQualityClassifier labels receipt images using a Gemini vision model
// so the router can pick the cheapest capable extraction path.
type GeminiQualityClassifier struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiQualityClassifier creates a new classifier instance.
func NewGeminiQualityClassifier(apiKey string, modelName string) (*GeminiQualityClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiQualityClassifier{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Classify assesses the image and returns its quality label. A response
// that cannot be parsed into a known label is returned as an error so the
// caller can treat the document as unroutable.
func (g *GeminiQualityClassifier) Classify(ctx context.Context, documentID string, imageData []byte, contentType string) (QualityAssessment, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	finalImageData, err := prepareImage(imageData, contentType)
	if err != nil {
		return QualityAssessment{}, err
	}

	parts := []genai.Part{
		genai.ImageData("png", finalImageData),
		genai.Text(qualityAssessPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return QualityAssessment{}, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return QualityAssessment{}, fmt.Errorf("no response from quality model")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	assessment, err := parseQualityJSON(responseText.String())
	if err != nil {
		return QualityAssessment{}, fmt.Errorf("parsing quality assessment: %w", err)
	}

	return assessment, nil
}

// Close closes the underlying Gemini client.
func (g *GeminiQualityClassifier) Close() error {
	return g.client.Close()
}
