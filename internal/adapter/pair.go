package adapter

import (
	"strings"

	"github.com/yanun0323/errors"
)

const pairSeparator = "/"

// Pair is a base/quote trading pair such as BTC/USDT.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func NewPair(base, quote string) Pair {
	return Pair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, pairSeparator)
	if !ok {
		return Pair{}, errors.Errorf("invalid pair %q", s)
	}
	p := NewPair(base, quote)
	if !p.IsValid() {
		return Pair{}, errors.Errorf("invalid pair %q", s)
	}
	return p, nil
}

func (p Pair) IsValid() bool {
	return p.Base != "" && p.Quote != "" && p.Base != p.Quote
}

func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

func (p Pair) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Base + pairSeparator + p.Quote
}
