// Package trigger turns free-text trade alerts into partially specified order intents.
//
// Parsing is a pure function of the message and the rules: no I/O, no clock
// reads (the year used for M/D dates is part of Rules).
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/util"
)

// ErrNoMatch is returned when no configured keyword appears in the message
var ErrNoMatch = errors.New("none of the criteria were met")

// Rules is the configuration the parser runs against
type Rules struct {
	Tickers     []string
	Triggers    []models.TriggerRule
	LimitOffset decimal.Decimal
	Year        int
}

// Result carries the parsed intent plus anything worth logging
type Result struct {
	Intent   models.OrderIntent
	Keyword  string
	Warnings []TokenError
}

// TokenError records a token that looked like a field but failed to parse
type TokenError struct {
	Token string
	Field string
	Err   error
}

func (e TokenError) Error() string {
	return fmt.Sprintf("token %q (%s): %v", e.Token, e.Field, e.Err)
}

func (e TokenError) Unwrap() error { return e.Err }

// Parse extracts an intent from text. It returns ErrNoMatch, together with
// whatever fields were recognized, when no trigger keyword is present.
func Parse(text string, rules Rules) (Result, error) {
	lowered := strings.ToLower(text)
	var res Result

	res.Intent.Ticker = detectTicker(lowered, rules.Tickers)

	for _, tok := range strings.Fields(lowered) {
		if err := classify(tok, rules, &res.Intent); err != nil {
			res.Warnings = append(res.Warnings, *err)
		}
	}

	category, keyword, ok := matchCategory(lowered, rules.Triggers)
	if !ok {
		return res, ErrNoMatch
	}
	res.Intent.Category = category
	res.Keyword = keyword
	return res, nil
}

// detectTicker returns the first allowlisted symbol contained in text.
// When several symbols occur, allowlist order decides.
func detectTicker(lowered string, tickers []string) string {
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(t)) {
			return strings.ToUpper(t)
		}
	}
	return ""
}

// classify applies the token rules in precedence order. A rule whose field is
// already set does not match, so the token falls through to the next rule.
func classify(tok string, rules Rules, in *models.OrderIntent) *TokenError {
	digit := hasDigit(tok)
	switch {
	case digit && strings.Contains(tok, "/") && !in.HasExpiration():
		exp, err := parseExpiration(tok, rules.Year)
		if err != nil {
			return &TokenError{Token: tok, Field: "expiration", Err: err}
		}
		in.Expiration = exp

	case digit && strings.ContainsAny(tok, "cp") && !in.Strike.Valid:
		strike, err := parseStrike(tok)
		if err != nil {
			return &TokenError{Token: tok, Field: "strike", Err: err}
		}
		in.Strike = decimal.NewNullDecimal(strike)
		if strings.Contains(tok, "c") {
			in.Right = models.RightCall
		} else {
			in.Right = models.RightPut
		}

	case digit && strings.Contains(tok, ".") && !in.LimitPrice.Valid:
		raw, err := decimal.NewFromString(strings.TrimLeft(tok, "@$"))
		if err != nil {
			return &TokenError{Token: tok, Field: "limit_price", Err: err}
		}
		in.LimitPrice = decimal.NewNullDecimal(util.RoundCents(raw.Add(rules.LimitOffset)))

	case isAllDigits(tok) && in.ContractID == 0:
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return &TokenError{Token: tok, Field: "contract_id", Err: err}
		}
		in.ContractID = id
	}
	return nil
}

func parseExpiration(tok string, year int) (time.Time, error) {
	md, err := time.Parse("1/2", tok)
	if err != nil {
		return time.Time{}, err
	}
	exp := time.Date(year, md.Month(), md.Day(), 0, 0, 0, 0, time.UTC)
	if exp.Month() != md.Month() {
		return time.Time{}, fmt.Errorf("%s does not exist in %d", tok, year)
	}
	return exp, nil
}

// parseStrike strips letters and trailing zeros after a decimal point: "4490.50p" -> 4490.5
func parseStrike(tok string) (decimal.Decimal, error) {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return -1
		}
		return r
	}, tok)
	if strings.Contains(stripped, ".") {
		stripped = strings.TrimRight(strings.TrimRight(stripped, "0"), ".")
	}
	stripped = strings.TrimLeft(stripped, "$")
	return decimal.NewFromString(stripped)
}

func matchCategory(lowered string, triggers []models.TriggerRule) (models.ActionCategory, string, bool) {
	for _, rule := range triggers {
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(kw)) {
				return rule.Category, kw, true
			}
		}
	}
	return "", "", false
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
