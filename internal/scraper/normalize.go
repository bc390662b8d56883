package scraper

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// DefaultUnit is used when a name carries no quantity token.
const DefaultUnit = "buc"

// Capitalize upper-cases the first character and leaves the rest unchanged.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Trailing "500g", "1,5 L", "2x250ml", "2 x 0.5kg", "10 buc". The token starts
// the name or follows a space or comma, so digits glued to a word ("B12",
// "Omega3") are never read as the quantity.
var quantityToken = regexp.MustCompile(`(?i)(?:^|[\s,]+)(?:(\d+)\s*[x×]\s*)?(\d+(?:[.,]\d+)?)\s*(kg|g|mg|ml|cl|dl|l|buc|bucati|pcs|m)\.?\s*$`)

// danglingTimes is a lone "x" left in front of a token, as in "Omega3 x 60 buc".
var danglingTimes = regexp.MustCompile(`(?i)\s+[x×]$`)

// ExtractQuantity strips a trailing quantity+unit token from name. ok is false
// when there is no token; quantity is then 1 and unit DefaultUnit.
func ExtractQuantity(name string) (display string, quantity decimal.Decimal, unit string, ok bool) {
	trimmed := strings.TrimSpace(name)
	m := quantityToken.FindStringSubmatchIndex(trimmed)
	if m == nil {
		return trimmed, decimal.NewFromInt(1), DefaultUnit, false
	}

	amount, err := decimal.NewFromString(strings.Replace(trimmed[m[4]:m[5]], ",", ".", 1))
	if err != nil || !amount.IsPositive() {
		return trimmed, decimal.NewFromInt(1), DefaultUnit, false
	}
	if m[2] >= 0 {
		count, err := decimal.NewFromString(trimmed[m[2]:m[3]])
		if err == nil && count.IsPositive() {
			amount = amount.Mul(count)
		}
	}
	unit = strings.ToLower(trimmed[m[6]:m[7]])
	if unit == "bucati" || unit == "pcs" {
		unit = DefaultUnit
	}
	display = strings.TrimSpace(danglingTimes.ReplaceAllString(trimmed[:m[0]], ""))
	return display, amount, unit, true
}

// UnitPrice divides price by quantity, rounded to 2 decimals (half away from zero).
func UnitPrice(price, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return price.Round(2)
	}
	return price.Div(quantity).Round(2)
}
