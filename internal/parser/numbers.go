package parser

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount reads a money amount written with either comma or dot
// decimals ("12,99", "1.234,56", "1,234.56", "PLN 5.20"). Anything that is
// not a digit, separator or sign is dropped first.
func ParseAmount(s string) (decimal.Decimal, bool) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, s)
	clean = strings.Trim(clean, ".,")
	if clean == "" || clean == "-" {
		return decimal.Zero, false
	}
	neg := strings.HasPrefix(clean, "-")
	clean = strings.ReplaceAll(clean, "-", "")

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	sep := lastDot
	if lastComma > sep {
		sep = lastComma
	}

	var intPart, frac string
	switch {
	case sep < 0:
		intPart = clean
	case len(clean)-sep-1 == 3 && strings.Count(clean, clean[sep:sep+1]) > 1:
		// "1.234.567": every separator groups thousands
		intPart = clean
	case len(clean)-sep-1 == 3 && lastDot >= 0 && lastComma >= 0:
		intPart = clean
	default:
		intPart, frac = clean[:sep], clean[sep+1:]
	}
	intPart = digitsOnly(intPart)
	if intPart == "" {
		intPart = "0"
	}
	num := intPart
	if frac != "" {
		num += "." + digitsOnly(frac)
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// ParseQuantity reads a quantity such as "2", "0,352", "1.5" or "2 szt.".
// Units and other noise are dropped; the last separator is the decimal one.
func ParseQuantity(s string) (float64, bool) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.':
			return r
		case r == ',':
			return '.'
		default:
			return -1
		}
	}, s)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return 0, false
	}
	if i := strings.LastIndex(clean, "."); i >= 0 {
		clean = digitsOnly(clean[:i]) + "." + clean[i+1:]
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
