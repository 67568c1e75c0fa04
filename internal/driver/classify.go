package driver

import (
	"unicode"
	"unicode/utf8"
)

// DefaultTextThreshold is the largest share of invalid or non-printable
// runes a raw payload may contain and still count as text.
const DefaultTextThreshold = 0.08

// ClassifyText decodes b as UTF-8 and reports whether it reads as text: at
// most threshold of its runes may be invalid or non-printable.
func ClassifyText(b []byte, threshold float64) (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	var total, bad int
	for rest := b; len(rest) > 0; {
		r, size := utf8.DecodeRune(rest)
		rest = rest[size:]
		total++
		if r == utf8.RuneError && size <= 1 {
			bad++
			continue
		}
		if !unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			bad++
		}
	}
	if float64(bad)/float64(total) > threshold {
		return "", false
	}
	return string(b), true
}
