// Package fingerprint normalizes exception messages into stable templates
// and derives the hashes the clusterer keys on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

type substitution struct {
	pattern     *regexp.Regexp
	replacement string
}

// substitutions runs in order; each rewrites a variable token class to a
// fixed placeholder so that templated messages collide after normalization.
var substitutions = []substitution{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`), "<IP>"},
	{regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`), "<EMAIL>"},
	{regexp.MustCompile(`\bhttps?://[^\s"']+`), "<URL>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`), "<TIMESTAMP>"},
	{regexp.MustCompile(`(?i)\b(id|user_id|order_id)\s*=\s*\d+`), "${1}=<ID>"},
	{regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<ADDR>"},
	{regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(ms|s|sec|seconds|m|min|minutes|h|hours)\b`), "<DURATION>"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d+)?\s*%`), "<PERCENT>"},
	{regexp.MustCompile(`\bv?\d+\.\d+\.\d+(?:[-.][\w]+)?\b`), "<VERSION>"},
	{regexp.MustCompile(`(?:/[\w.\-]+){2,}`), "<PATH>"},
	{regexp.MustCompile(`[A-Za-z]:\\[\w\\.\- ]+`), "<PATH>"},
	{regexp.MustCompile(`\[[^\[\]]{40,}\]`), "<ARRAY>"},
	{regexp.MustCompile(`\{[^{}]{40,}\}`), "<JSON>"},
	{regexp.MustCompile(`"[^"]{40,}"`), "<STRING>"},
	{regexp.MustCompile(`\b\d+\.\d+\b`), "<DECIMAL>"},
	{regexp.MustCompile(`\b\d{4,}\b`), "<NUMBER>"},
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// Normalize rewrites variable tokens to placeholders, then collapses
// whitespace and lower-cases the result. It is idempotent:
// Normalize(Normalize(m)) == Normalize(m).
func Normalize(message string) string {
	out := message
	for _, sub := range substitutions {
		out = sub.pattern.ReplaceAllString(out, sub.replacement)
	}
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.ToLower(strings.TrimSpace(out))
}

func hashHex(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Exact hashes the raw, unnormalized message.
func Exact(message string) string {
	return hashHex(message)[:16]
}

// Template hashes the normalized message.
func Template(message string) string {
	return hashHex(Normalize(message))[:16]
}

// Semantic hashes (exception_type, error_category, logger_name, a
// truncated normalized message) so near-duplicate messages with different
// tails still collide.
func Semantic(exceptionType, errorCategory, loggerName, message string) string {
	normalized := Normalize(message)
	if len(normalized) > 80 {
		normalized = normalized[:80]
	}
	return hashHex(exceptionType, errorCategory, loggerName, normalized)[:16]
}

// Category hashes (exception_type, error_category) alone.
func Category(exceptionType, errorCategory string) string {
	return hashHex(exceptionType, errorCategory)[:16]
}

type categoryRule struct {
	name    string
	pattern *regexp.Regexp
}

// categoryRules is evaluated in order; the first match wins.
var categoryRules = []categoryRule{
	{"CONNECTION_ERROR", regexp.MustCompile(`(?i)connection (refused|reset|closed|failed)|unable to connect|connect timed? ?out`)},
	{"TIMEOUT_ERROR", regexp.MustCompile(`(?i)time(d)? ?out|deadline exceeded`)},
	{"AUTH_ERROR", regexp.MustCompile(`(?i)unauthoriz|authentication|forbidden|invalid (credentials|token|password)|access denied`)},
	{"DATABASE_ERROR", regexp.MustCompile(`(?i)sql|database|deadlock|constraint violation|duplicate key|relation .* does not exist`)},
	{"NETWORK_ERROR", regexp.MustCompile(`(?i)network (is )?unreachable|dns|no route to host|socket`)},
	{"FILESYSTEM_ERROR", regexp.MustCompile(`(?i)no such file|permission denied|disk (full|quota)|i/o error`)},
	{"MEMORY_ERROR", regexp.MustCompile(`(?i)out of memory|outofmemory|heap space|memory limit`)},
	{"NULL_ERROR", regexp.MustCompile(`(?i)null ?pointer|none ?type|nil pointer|undefined is not`)},
	{"VALIDATION_ERROR", regexp.MustCompile(`(?i)validation (failed|error)|invalid (argument|input|parameter)|required field`)},
	{"RATE_LIMIT_ERROR", regexp.MustCompile(`(?i)rate limit|too many requests|throttl`)},
}

// ClassifyCategory runs the fixed ordered rule list against the raw
// message and exception type, returning the first matching category, or
// "unclassified" when none match.
func ClassifyCategory(exceptionType, message string) string {
	haystack := exceptionType + " " + message
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(haystack) {
			return rule.name
		}
	}
	return "unclassified"
}

var keyTermPattern = regexp.MustCompile(`\b[a-z]{3,}\b`)

// keyTermStopWords are dropped before ranking; they carry no discriminating
// signal for the Jaccard similarity fallback.
var keyTermStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "this": {},
	"that": {}, "was": {}, "were": {}, "been": {}, "have": {}, "has": {},
	"had": {}, "will": {}, "would": {}, "could": {}, "should": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "how": {},
}

const keyTermTopN = 10

// KeyTerms extracts the top-10-by-frequency identifier-like tokens from a
// normalized message, ties broken by first occurrence, used by the Jaccard
// similarity fallback.
func KeyTerms(message string) []string {
	normalized := Normalize(message)
	tokens := keyTermPattern.FindAllString(normalized, -1)

	counts := make(map[string]int, len(tokens))
	order := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, stop := keyTermStopWords[tok]; stop {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	if len(order) > keyTermTopN {
		order = order[:keyTermTopN]
	}
	return order
}

func trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	if len(s) < 3 {
		if s != "" {
			set[s] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func setOf(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// ClusterDecision reports whether two messages should be considered the
// same cluster and which rule produced that verdict.
type ClusterDecision struct {
	ShouldCluster bool
	Reason        string
}

// ShouldClusterTogether runs the similarity cascade in order — exact
// equality, normalized-template equality, trigram Jaccard, key-term
// Jaccard — and stops at the first rule that is satisfied.
func ShouldClusterTogether(a, b string, threshold float64) ClusterDecision {
	if a == b {
		return ClusterDecision{true, "exact"}
	}

	normA, normB := Normalize(a), Normalize(b)
	if normA == normB {
		return ClusterDecision{true, "normalized"}
	}

	if sim := jaccard(trigrams(normA), trigrams(normB)); sim >= threshold {
		return ClusterDecision{true, "trigram_jaccard"}
	}

	if sim := jaccard(setOf(KeyTerms(a)), setOf(KeyTerms(b))); sim >= threshold {
		return ClusterDecision{true, "keyterm_jaccard"}
	}

	return ClusterDecision{false, "no_match"}
}
