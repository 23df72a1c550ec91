package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxQueries     = 5
	maxQueryRunes  = 200
	maxSnippetRune = 400
)

var (
	countPattern = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten)\s+(?:different\s+|separate\s+|web\s+)?(?:searches|search(?:es)?|queries|lookups)\b`)
	splitPattern = regexp.MustCompile(`[?\n]+`)
	numberWords  = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
	querySuffixes = []string{"", " latest", " overview", " explained", " news"}
)

// RequestedCount reads an explicit "N searches" request from the prompt.
// It defaults to 1 and is capped at max.
func RequestedCount(prompt string, max int) int {
	if max <= 0 || max > MaxQueries {
		max = MaxQueries
	}
	m := countPattern.FindStringSubmatch(prompt)
	if m == nil {
		return 1
	}
	word := strings.ToLower(m[1])
	n, ok := numberWords[word]
	if !ok {
		n, _ = strconv.Atoi(word)
	}
	switch {
	case n < 1:
		return 1
	case n > max:
		return max
	}
	return n
}

// DeriveQueries turns the latest user prompt into up to max search queries.
// Separate questions in the prompt become separate queries; remaining slots
// are filled with variations of the first one.
func DeriveQueries(prompt string, max int) []string {
	n := RequestedCount(prompt, max)
	cleaned := strings.TrimSpace(countPattern.ReplaceAllString(prompt, ""))
	if cleaned == "" {
		cleaned = strings.TrimSpace(prompt)
	}
	if cleaned == "" {
		return nil
	}

	var questions []string
	for _, q := range splitPattern.Split(cleaned, -1) {
		q = strings.Join(strings.Fields(q), " ")
		if utf8.RuneCountInString(q) >= 3 {
			questions = append(questions, truncate(q, maxQueryRunes))
		}
	}
	if len(questions) == 0 {
		questions = []string{truncate(strings.Join(strings.Fields(cleaned), " "), maxQueryRunes)}
	}

	seen := make(map[string]bool)
	out := make([]string, 0, n)
	for _, q := range questions {
		if len(out) == n {
			break
		}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, suffix := range querySuffixes {
		if len(out) == n {
			break
		}
		q := questions[0] + suffix
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

// Compact renders results as a compact context block for the model.
func Compact(responses []*Response, perQuery int) string {
	if perQuery <= 0 {
		perQuery = 5
	}
	var b strings.Builder
	seen := make(map[string]bool)
	n := 0
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		taken := 0
		for _, r := range resp.Results {
			if taken == perQuery {
				break
			}
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			taken++
			n++
			fmt.Fprintf(&b, "[%d] %s\n%s\n", n, strings.TrimSpace(r.Title), r.URL)
			if text := strings.Join(strings.Fields(r.Text()), " "); text != "" {
				b.WriteString(truncate(text, maxSnippetRune))
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}
	if n == 0 {
		return ""
	}
	return "Web search results (cite sources by number when you use them):\n\n" + strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
