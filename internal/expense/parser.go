package expense

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// RawEmail is a receipt email as fetched from Gmail.
type RawEmail struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Expense is the structured data extracted from a receipt.
type Expense struct {
	// Date is ISO 8601 when the receipt date could be normalized, otherwise
	// it is copied as found.
	Date        string  `json:"date"`
	Vendor      string  `json:"vendor"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ErrEmptyEmail is returned when an email has neither subject nor body.
var ErrEmptyEmail = errors.New("email has no subject and no body")

const (
	defaultCurrency = "USD"
	unknownVendor   = "Unknown"
)

var (
	dateRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}`)
	amountRe = regexp.MustCompile(`([$€£]?)\s?(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)(?:\s*(USD|EUR|GBP))?`)
	vendorRe = regexp.MustCompile(`Vendor[:\-]\s*(.+)`)
	catRe    = regexp.MustCompile(`Category[:\-]\s*(.+)`)
	descRe   = regexp.MustCompile(`Description[:\-]\s*(.+)`)

	dateLayouts = []string{"2006-01-02", "1/2/2006", "1/2/06"}

	currencySymbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}
)

// Parse extracts an expense from raw. It is lenient: missing fields fall
// back to defaults (vendor from the subject, amount 0 in USD).
func Parse(raw RawEmail) (*Expense, error) {
	if strings.TrimSpace(raw.Subject) == "" && strings.TrimSpace(raw.Body) == "" {
		return nil, ErrEmptyEmail
	}
	text := DecodeBody(raw.Body)

	exp := &Expense{Currency: defaultCurrency}

	dateSpan := dateRe.FindStringIndex(text)
	if dateSpan != nil {
		exp.Date = normalizeDate(text[dateSpan[0]:dateSpan[1]])
	}

	amount, currency, err := findAmount(text, dateSpan)
	if err != nil {
		return nil, err
	}
	exp.Amount = amount
	if currency != "" {
		exp.Currency = currency
	}

	switch {
	case firstGroup(vendorRe, text) != "":
		exp.Vendor = firstGroup(vendorRe, text)
	case strings.TrimSpace(raw.Subject) != "":
		exp.Vendor = strings.TrimSpace(raw.Subject)
	default:
		exp.Vendor = unknownVendor
	}
	exp.Category = firstGroup(catRe, text)
	exp.Description = firstGroup(descRe, text)
	return exp, nil
}

// DecodeBody returns body decoded from URL-safe base64 when it is an encoded
// text payload, and body unchanged otherwise.
func DecodeBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return body
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(trimmed, "="))
	if err != nil || len(b) == 0 || !utf8.Valid(b) || !printable(b) {
		return body
	}
	return string(b)
}

func printable(b []byte) bool {
	for _, r := range string(b) {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return false
		}
	}
	return true
}

func normalizeDate(s string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// findAmount prefers an amount marked with a currency symbol or code and
// otherwise takes the first bare number outside the date.
func findAmount(text string, dateSpan []int) (float64, string, error) {
	var bare []string
	for _, m := range amountRe.FindAllStringSubmatchIndex(text, -1) {
		if dateSpan != nil && m[0] < dateSpan[1] && m[1] > dateSpan[0] {
			continue
		}
		symbol := group(text, m, 1)
		number := group(text, m, 2)
		code := group(text, m, 3)

		if symbol != "" || code != "" {
			currency := code
			if currency == "" {
				currency = currencySymbols[symbol]
			}
			v, err := parseAmount(number)
			return v, currency, err
		}
		if bare == nil {
			bare = []string{number}
		}
	}
	if bare == nil {
		return 0, "", nil
	}
	v, err := parseAmount(bare[0])
	return v, "", err
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func group(text string, m []int, i int) string {
	if m[2*i] < 0 {
		return ""
	}
	return text[m[2*i]:m[2*i+1]]
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Row returns the ledger row for e: date, vendor, amount with currency,
// category and description.
func (e *Expense) Row() []any {
	return []any{
		e.Date,
		e.Vendor,
		fmt.Sprintf("%.2f %s", e.Amount, e.Currency),
		e.Category,
		e.Description,
	}
}

// SlackText returns the approval request message for e.
func (e *Expense) SlackText() string {
	category := e.Category
	if category == "" {
		category = "Uncategorized"
	}
	description := e.Description
	if description == "" {
		description = "None"
	}

	var b strings.Builder
	b.WriteString("New Expense Submitted:\n")
	fmt.Fprintf(&b, "• Date: %s\n", e.Date)
	fmt.Fprintf(&b, "• Vendor: %s\n", e.Vendor)
	fmt.Fprintf(&b, "• Amount: %.2f %s\n", e.Amount, e.Currency)
	fmt.Fprintf(&b, "• Category: %s\n", category)
	fmt.Fprintf(&b, "• Description: %s", description)
	return b.String()
}
