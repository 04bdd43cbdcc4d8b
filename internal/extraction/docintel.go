package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	docIntelAPIVersion   = "2024-11-30"
	docIntelModelID      = "prebuilt-receipt"
	docIntelPollInterval = 2 * time.Second
)

// DocIntelClient implements the Source interface against an Azure Document
// Intelligence style prebuilt-receipt endpoint. Analysis is asynchronous:
// the submit call returns an operation URL that is polled until the
// extraction settles.
type DocIntelClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewDocIntelClient creates a new structured-extraction Source instance.
func NewDocIntelClient(endpoint, apiKey string) (*DocIntelClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("document intelligence endpoint is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("document intelligence api key is required")
	}

	return &DocIntelClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

// Name returns the source identifier.
func (c *DocIntelClient) Name() string {
	return SourceStructured
}

// analyzeOperation is the polled operation envelope.
type analyzeOperation struct {
	Status        string          `json:"status"`
	AnalyzeResult *analyzeResult  `json:"analyzeResult"`
	Error         json.RawMessage `json:"error"`
}

type analyzeResult struct {
	Documents []analyzedDocument `json:"documents"`
}

type analyzedDocument struct {
	Confidence *float64            `json:"confidence"`
	Fields     map[string]docField `json:"fields"`
}

// docField is the recursive field shape the service emits: scalar fields
// carry content, totals carry a currency value, item lists nest objects.
type docField struct {
	Content       string              `json:"content"`
	ValueCurrency *currencyValue      `json:"valueCurrency"`
	ValueArray    []docField          `json:"valueArray"`
	ValueObject   map[string]docField `json:"valueObject"`
}

type currencyValue struct {
	Amount       *float64 `json:"amount"`
	CurrencyCode string   `json:"currencyCode"`
}

// Extract submits the document for receipt analysis and maps the structured
// response into a Result.
func (c *DocIntelClient) Extract(ctx context.Context, documentID string, imageData []byte, contentType string) (Result, error) {
	operationURL, err := c.submit(ctx, imageData, contentType)
	if err != nil {
		return Result{}, err
	}

	body, err := c.poll(ctx, operationURL)
	if err != nil {
		return Result{}, err
	}

	var operation analyzeOperation
	if err := json.Unmarshal(body, &operation); err != nil {
		return Result{}, fmt.Errorf("decoding analyze result: %w", err)
	}
	if operation.Status != "succeeded" {
		return Result{}, fmt.Errorf("analysis ended with status %q: %s", operation.Status, string(operation.Error))
	}

	// Keep the full response as the audit payload alongside the typed view.
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		payload = map[string]any{}
	}

	result := Result{
		Source:     SourceStructured,
		DocumentID: documentID,
		RawPayload: payload,
	}

	if operation.AnalyzeResult == nil || len(operation.AnalyzeResult.Documents) == 0 {
		return result, nil
	}

	doc := operation.AnalyzeResult.Documents[0]
	result.ConfidenceScore = doc.Confidence
	result.MerchantName = doc.Fields["MerchantName"].Content
	result.TransactionDate = doc.Fields["TransactionDate"].Content
	result.TransactionTime = doc.Fields["TransactionTime"].Content

	if total, ok := doc.Fields["Total"]; ok && total.ValueCurrency != nil {
		result.TotalAmount = total.ValueCurrency.Amount
		result.Currency = total.ValueCurrency.CurrencyCode
	}

	if items, ok := doc.Fields["Items"]; ok {
		for _, item := range items.ValueArray {
			if item.ValueObject == nil {
				continue
			}
			lineItem := LineItem{
				Description: item.ValueObject["Description"].Content,
				Quantity:    item.ValueObject["Quantity"].Content,
			}
			if price, ok := item.ValueObject["Price"]; ok {
				lineItem.Price = fieldAmount(price)
			}
			if totalPrice, ok := item.ValueObject["TotalPrice"]; ok {
				lineItem.TotalPrice = fieldAmount(totalPrice)
			}
			result.Items = append(result.Items, lineItem)
		}
	}

	return result, nil
}

// fieldAmount resolves a monetary field to a number, preferring the typed
// currency value over re-parsing the printed content.
func fieldAmount(field docField) *float64 {
	if field.ValueCurrency != nil && field.ValueCurrency.Amount != nil {
		return field.ValueCurrency.Amount
	}
	return ExtractNumeric(field.Content)
}

// submit posts the document bytes for analysis and returns the operation
// URL to poll.
func (c *DocIntelClient) submit(ctx context.Context, imageData []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		c.endpoint, docIntelModelID, docIntelAPIVersion)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(imageData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling document intelligence API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("document intelligence API error (status %d): %s", resp.StatusCode, string(body))
	}

	operationURL := resp.Header.Get("Operation-Location")
	if operationURL == "" {
		return "", fmt.Errorf("missing Operation-Location header in analyze response")
	}
	return operationURL, nil
}

// poll fetches the operation until it leaves the running states.
func (c *DocIntelClient) poll(ctx context.Context, operationURL string) ([]byte, error) {
	ticker := time.NewTicker(docIntelPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, "GET", operationURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating poll request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("polling analyze operation: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading poll response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("analyze operation error (status %d): %s", resp.StatusCode, string(body))
		}

		var status struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("decoding poll response: %w", err)
		}
		if status.Status != "running" && status.Status != "notStarted" {
			return body, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the client (no-op for HTTP client).
func (c *DocIntelClient) Close() error {
	return nil
}
