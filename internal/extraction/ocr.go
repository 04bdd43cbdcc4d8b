package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ocrDefaultConfidence is reported when the OCR endpoint returns no
// confidence of its own; document OCR is generally reliable on clear scans.
const ocrDefaultConfidence = 0.85

// OCRClient implements the Source interface against a Mistral-style
// document OCR endpoint. The endpoint returns raw recognized text; field
// extraction from that text is delegated to a TextParser strategy.
type OCRClient struct {
	endpoint string
	apiKey   string
	model    string
	parser   TextParser
	client   *http.Client
}

// NewOCRClient creates a new OCR Source instance.
func NewOCRClient(endpoint, apiKey, model string, parser TextParser) (*OCRClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ocr endpoint is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ocr api key is required")
	}
	if model == "" {
		model = "mistral-document-ai-2505"
	}
	if parser == nil {
		parser = RegexParser{}
	}

	return &OCRClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		parser:   parser,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Name returns the source identifier.
func (c *OCRClient) Name() string {
	return SourceOCR
}

// ocrRequest is the request body for the document OCR API.
type ocrRequest struct {
	Model              string      `json:"model"`
	Document           ocrDocument `json:"document"`
	IncludeImageBase64 bool        `json:"include_image_base64"`
}

type ocrDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

// Extract sends the document through the OCR endpoint and parses the
// recognized text into receipt fields.
func (c *OCRClient) Extract(ctx context.Context, documentID string, imageData []byte, contentType string) (Result, error) {
	imageBase64 := base64.StdEncoding.EncodeToString(imageData)

	reqBody := ocrRequest{
		Model: c.model,
		Document: ocrDocument{
			Type:     "image_url",
			ImageURL: fmt.Sprintf("data:%s;base64,%s", contentType, imageBase64),
		},
		IncludeImageBase64: false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("calling OCR API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("OCR API error (status %d): %s", resp.StatusCode, string(body))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}

	text := recognizedText(payload)
	parsed := c.parser.Parse(text)

	confidence := ocrDefaultConfidence
	return Result{
		Source:          SourceOCR,
		DocumentID:      documentID,
		MerchantName:    parsed.MerchantName,
		TransactionDate: parsed.TransactionDate,
		TransactionTime: parsed.TransactionTime,
		TotalAmount:     parsed.TotalAmount,
		Currency:        parsed.Currency,
		Items:           parsed.Items,
		ConfidenceScore: &confidence,
		RawPayload:      payload,
	}, nil
}

// recognizedText pulls the OCR text out of the response payload. Older
// endpoint revisions return a single "content" string, newer ones a list of
// per-page markdown blocks.
func recognizedText(payload map[string]any) string {
	if content, ok := payload["content"].(string); ok {
		return content
	}

	pages, ok := payload["pages"].([]any)
	if !ok {
		return ""
	}

	var sb strings.Builder
	for _, page := range pages {
		pageMap, ok := page.(map[string]any)
		if !ok {
			continue
		}
		if markdown, ok := pageMap["markdown"].(string); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(markdown)
		}
	}
	return sb.String()
}

// Close closes the OCR client (no-op for HTTP client).
func (c *OCRClient) Close() error {
	return nil
}
