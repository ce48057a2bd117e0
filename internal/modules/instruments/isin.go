package instruments

import "strings"

// ValidISIN reports whether s is a well-formed ISO 6166 identifier:
// two letters, nine alphanumerics and a Luhn check digit computed over
// the base-36 expansion of the first eleven characters.
func ValidISIN(s string) bool {
	if len(s) != 12 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	for i := 2; i < 11; i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'Z') {
			return false
		}
	}
	check := s[11]
	if check < '0' || check > '9' {
		return false
	}
	return isinCheckDigit(s[:11]) == int(check-'0')
}

// isinCheckDigit computes the Luhn check digit for the 11-character body.
// Letters expand to their base-36 value (A=10 .. Z=35) before digit-wise
// doubling from the right.
func isinCheckDigit(body string) int {
	var digits []int
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, int(c-'0'))
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			digits = append(digits, v/10, v%10)
		default:
			return -1
		}
	}

	sum := 0
	double := true // rightmost digit of the expansion is doubled
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// NormalizeISIN trims and upper-cases a candidate identifier. Vendor maps
// ship literal "nan" placeholders for missing codes; those and malformed
// values come back empty.
func NormalizeISIN(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "NAN" || !ValidISIN(s) {
		return ""
	}
	return s
}
