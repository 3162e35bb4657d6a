package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/antoniostano/sessionvault/internal/model"
)

// Mapping records which literal substrings were replaced by which
// placeholder during one Anonymize call. It is never persisted.
type Mapping map[string]string

// Counts tallies PII instances by category.
type Counts map[Category]int

func (c Counts) Add(other Counts) {
	for k, v := range other {
		c[k] += v
	}
}

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// scope assigns placeholders for a single anonymization call. Identical
// substrings get identical placeholders; numbering restarts per scope.
type scope struct {
	mapping Mapping
	next    map[Category]int
	counts  Counts
}

func newScope() *scope {
	return &scope{mapping: Mapping{}, next: map[Category]int{}, counts: Counts{}}
}

func (s *scope) placeholder(m Match) string {
	s.counts[m.Category]++
	if p, ok := s.mapping[m.Text]; ok {
		return p
	}
	s.next[m.Category]++
	p := "[" + string(m.Category) + "_" + strconv.Itoa(s.next[m.Category]) + "]"
	s.mapping[m.Text] = p
	return p
}

func (s *scope) rewrite(text string) string {
	matches := Detect(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(s.placeholder(m))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Anonymize replaces every detected PII span with a [CATEGORY_N] placeholder.
// Text without PII is returned unchanged.
func Anonymize(text string) (string, Mapping) {
	s := newScope()
	return s.rewrite(text), s.mapping
}

// AnonymizeTurn rewrites the free-text fields of a turn within one scope,
// so the same value in the input and the response shares a placeholder.
// Timestamps, confidence and flags are untouched.
func AnonymizeTurn(turn model.ConversationTurn) (model.ConversationTurn, Counts) {
	s := newScope()
	out := turn.Clone()
	out.UserInput = s.rewrite(out.UserInput)
	out.Response.Text = s.rewrite(out.Response.Text)
	for i, q := range out.Response.FollowUpQuestions {
		out.Response.FollowUpQuestions[i] = s.rewrite(q)
	}
	return out, s.counts
}

// AnonymizeUserContext applies the fixed per-field location policy: state is
// kept, county is pseudonymized, the zip code is truncated and coordinates
// are dropped. Already anonymized values pass through unchanged.
func AnonymizeUserContext(uc model.UserContext) model.UserContext {
	out := uc.Clone()
	if out.Location == nil {
		return out
	}
	loc := out.Location
	if loc.County != "" && !isCountyPseudonym(loc.County) {
		loc.County = CountyPseudonym(loc.County)
	}
	if loc.ZipCode != "" {
		loc.ZipCode = maskZip(loc.ZipCode)
	}
	loc.Coordinates = nil
	return out
}

// CountyPseudonym derives a deterministic, session-independent surrogate.
func CountyPseudonym(county string) string {
	sum := sha256.Sum256([]byte(county))
	return fmt.Sprintf("[COUNTY_%s]", hex.EncodeToString(sum[:])[:8])
}

func isCountyPseudonym(v string) bool {
	return strings.HasPrefix(v, "[COUNTY_") && strings.HasSuffix(v, "]") && len(v) == len("[COUNTY_]")+8
}

func maskZip(zip string) string {
	zip = strings.TrimSpace(zip)
	if len(zip) < 3 {
		return "XXX"
	}
	return zip[:3] + "XX"
}

// CountPlaceholders tallies the placeholder tokens present in text by
// category. Repeated tokens count once per occurrence.
func CountPlaceholders(text string) Counts {
	out := Counts{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		out[Category(m[1])]++
	}
	return out
}
