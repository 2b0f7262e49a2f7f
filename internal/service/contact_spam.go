package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Checked in order; the first match rejects the message.
var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://\S+`),
	regexp.MustCompile(`(?i)www\.[a-z0-9.-]+\.[a-z]{2,}`),
	regexp.MustCompile(`(?i)\b(?:viagra|cialis|casino|poker|lottery|winner|congratulations)\b`),
}

const (
	diversityMinNameLength = 5
	diversityMinDistinct   = 3

	repetitionMinTokens = 10
	// A message is rejected when one token makes up more than
	// repetitionNumerator/repetitionDenominator of all tokens.
	repetitionNumerator   = 3
	repetitionDenominator = 10
)

// ClassifySpam applies the content heuristics to an already sanitized name and
// message. It keeps no state between calls.
func ClassifySpam(name, message string) error {
	if lowDiversity(name) {
		return reject(ReasonNameInvalid)
	}
	for _, p := range spamPatterns {
		if p.MatchString(message) {
			return reject(ReasonSpamPattern)
		}
	}
	if repetitive(message) {
		return reject(ReasonSpamRepetition)
	}
	return nil
}

// lowDiversity catches names such as "aaaaaa".
func lowDiversity(name string) bool {
	if utf8.RuneCountInString(name) <= diversityMinNameLength {
		return false
	}
	seen := make(map[rune]struct{}, diversityMinDistinct)
	for _, r := range name {
		seen[r] = struct{}{}
		if len(seen) >= diversityMinDistinct {
			return false
		}
	}
	return true
}

func repetitive(message string) bool {
	tokens := strings.Fields(message)
	if len(tokens) <= repetitionMinTokens {
		return false
	}
	counts := make(map[string]int, len(tokens))
	highest := 0
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > highest {
			highest = counts[tok]
		}
	}
	return highest*repetitionDenominator > len(tokens)*repetitionNumerator
}

// CheckHoneypot rejects a submission whose hidden website field has any value.
func CheckHoneypot(website string) error {
	if website != "" {
		return reject(ReasonHoneypot)
	}
	return nil
}
