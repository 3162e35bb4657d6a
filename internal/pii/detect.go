package pii

import (
	"regexp"
	"sort"
)

type Category string

const (
	CategoryEmail       Category = "EMAIL"
	CategorySSN         Category = "SSN"
	CategoryPhone       Category = "PHONE"
	CategoryAddress     Category = "ADDRESS"
	CategoryDateOfBirth Category = "DATE_OF_BIRTH"
	CategoryFullName    Category = "FULL_NAME"
	CategoryZipCode     Category = "ZIP_CODE"
)

// Detector pairs a category with the pattern that finds it.
type Detector struct {
	Category Category
	Pattern  *regexp.Regexp
}

// Detectors is evaluated in order. Specific shapes come before general ones
// so that on an exact tie the more specific category owns the span.
var Detectors = []Detector{
	{CategoryEmail, regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},
	{CategorySSN, regexp.MustCompile(`\b(?:\d{3}-\d{2}-\d{4}|\d{9})\b`)},
	{CategoryPhone, regexp.MustCompile(`(?:\+1[\-.\s]?|\b1[\-.\s])?(?:\(\d{3}\)|\b\d{3})[\-.\s]?\d{3}[\-.\s]?\d{4}\b`)},
	{CategoryAddress, regexp.MustCompile(`\b\d{1,6}(?:\s+[A-Za-z0-9]+){1,4}\s+(?i:street|st|avenue|ave|road|rd|drive|dr|lane|ln|boulevard|blvd|court|ct|place|pl|way)\b`)},
	{CategoryDateOfBirth, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/\-](?:0?[1-9]|[12]\d|3[01])[/\-](?:19|20)\d{2}\b`)},
	// Capitalized two-word heuristic. It over-matches ("New York") and
	// under-matches ("Li Wu", single names); both are accepted behavior.
	{CategoryFullName, regexp.MustCompile(`\b[A-Z][a-z]{2,} [A-Z][a-z]{2,}\b`)},
	{CategoryZipCode, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)},
}

// placeholderPattern matches tokens produced by Anonymize. Their spans are
// never re-detected, which keeps anonymization idempotent.
var placeholderPattern = regexp.MustCompile(`\[([A-Z]+(?:_[A-Z]+)*)_(\d+)\]`)

// Match is one detected PII span, with byte offsets into the scanned text.
type Match struct {
	Category Category
	Start    int
	End      int
	Text     string
}

// Detect returns non-overlapping PII matches ordered by position. Overlaps
// resolve to the earliest start, then the longest span, then detector order.
func Detect(text string) []Match {
	if text == "" {
		return nil
	}
	protected := placeholderPattern.FindAllStringIndex(text, -1)

	type candidate struct {
		Match
		rank int
	}
	var cands []candidate
	for rank, d := range Detectors {
		for _, loc := range d.Pattern.FindAllStringIndex(text, -1) {
			if overlapsAny(loc[0], loc[1], protected) {
				continue
			}
			cands = append(cands, candidate{
				Match: Match{Category: d.Category, Start: loc[0], End: loc[1], Text: text[loc[0]:loc[1]]},
				rank:  rank,
			})
		}
	}
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.rank < b.rank
	})

	out := make([]Match, 0, len(cands))
	end := -1
	for _, c := range cands {
		if c.Start < end {
			continue
		}
		out = append(out, c.Match)
		end = c.End
	}
	return out
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}
