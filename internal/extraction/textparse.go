package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedText holds receipt fields recovered from free-form OCR text.
type ParsedText struct {
	MerchantName    string
	TransactionDate string
	TransactionTime string
	TotalAmount     *float64
	Currency        string
	Items           []LineItem
}

// TextParser turns raw OCR text into receipt fields. It is deliberately a
// replaceable strategy: the heuristics below are best-effort pattern
// matching and can be swapped for a better parser without touching the
// merge engine.
type TextParser interface {
	Parse(text string) ParsedText
}

var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`),                                          // MM/DD/YYYY or DD/MM/YYYY
		regexp.MustCompile(`\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{2,4}`),  // DD Mon YYYY
		regexp.MustCompile(`(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s+\d{2,4}`), // Mon DD, YYYY
	}

	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{1,2}:\d{2}(?::\d{2})?\s*(?:AM|PM|am|pm)?`),
		regexp.MustCompile(`\d{1,2}[:.]\d{2}(?:[:.]\d{2})?\s*(?:hrs|EST|CST|MST|PST)?`),
	}

	totalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)TOTAL\s*[$£€]?\s*(\d+[.,]\d{2})`),
		regexp.MustCompile(`(?i)AMOUNT\s*[$£€]?\s*(\d+[.,]\d{2})`),
		regexp.MustCompile(`(?i)BALANCE\s*[$£€]?\s*(\d+[.,]\d{2})`),
		regexp.MustCompile(`(?m)[$£€]\s*(\d+[.,]\d{2})\s*$`),
	}

	currencyPatterns = []struct {
		pattern *regexp.Regexp
		code    string
	}{
		{regexp.MustCompile(`\$`), "USD"},
		{regexp.MustCompile(`£`), "GBP"},
		{regexp.MustCompile(`€`), "EUR"},
		{regexp.MustCompile(`\bUSD\b`), "USD"},
		{regexp.MustCompile(`\bEUR\b`), "EUR"},
		{regexp.MustCompile(`\bGBP\b`), "GBP"},
	}

	itemPattern = regexp.MustCompile(`([A-Za-z0-9\s\-'.]+)\s+([$£€]?\s?\d+\.\d{2})`)
)

// RegexParser is the default TextParser.
type RegexParser struct{}

// Parse extracts merchant, date, time, total, currency and line items from
// raw receipt text.
func (RegexParser) Parse(text string) ParsedText {
	var parsed ParsedText

	// The merchant name is typically the first printed line.
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			parsed.MerchantName = line
			break
		}
	}

	for _, pattern := range datePatterns {
		if match := pattern.FindString(text); match != "" {
			parsed.TransactionDate = match
			break
		}
	}

	for _, pattern := range timePatterns {
		if match := pattern.FindString(text); match != "" {
			parsed.TransactionTime = strings.TrimSpace(match)
			break
		}
	}

	for _, pattern := range totalPatterns {
		if match := pattern.FindStringSubmatch(text); match != nil {
			if amount, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", "."), 64); err == nil {
				parsed.TotalAmount = &amount
			}
			break
		}
	}

	for _, cp := range currencyPatterns {
		if cp.pattern.MatchString(text) {
			parsed.Currency = cp.code
			break
		}
	}
	if parsed.Currency == "" {
		parsed.Currency = "USD"
	}

	for _, match := range itemPattern.FindAllStringSubmatch(text, -1) {
		description := strings.TrimSpace(match[1])
		price := ExtractNumeric(match[2])
		if description == "" || price == nil {
			continue
		}
		// Values at or above the receipt total are almost never line items.
		if parsed.TotalAmount != nil && *price >= *parsed.TotalAmount {
			continue
		}
		parsed.Items = append(parsed.Items, LineItem{
			Description: description,
			Price:       price,
		})
	}

	return parsed
}

// ExtractNumeric parses a numeric value out of text, stripping currency
// symbols and tolerating comma decimal separators. Returns nil when no
// number can be recovered.
func ExtractNumeric(text string) *float64 {
	if text == "" {
		return nil
	}

	cleaned := strings.NewReplacer("$", "", "€", "", "£", "").Replace(text)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &value
}
