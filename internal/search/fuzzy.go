package search

import (
	"sort"
	"strings"
	"unicode"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// FuzzyMatch represents a fuzzy search match.
type FuzzyMatch struct {
	Symbol     *types.Symbol `json:"symbol"`
	Score      float32       `json:"score"`      // 0-1, higher is better
	MatchType  string        `json:"match_type"` // exact, prefix, contains, token, fuzzy
	Highlights []int         `json:"highlights"` // Rune indices of matched characters in Name
}

// FuzzySearchSymbols matches query against symbol names. BSL identifiers
// are case-insensitive and often Cyrillic, so comparison works on lowered
// runes.
func (e *Engine) FuzzySearchSymbols(query string, kind types.SymbolKind, limit int) ([]*FuzzyMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if i := strings.LastIndex(query, "."); i >= 0 {
		query = query[i+1:]
	}
	if query == "" {
		return nil, nil
	}

	symbols, err := e.graph.AllSymbols()
	if err != nil {
		return nil, err
	}

	q := []rune(strings.ToLower(query))
	queryTokens := tokenize(query)

	var matches []*FuzzyMatch
	for _, sym := range symbols {
		if kind != "" && sym.Kind != kind {
			continue
		}
		m := matchName(q, queryTokens, sym.Name)
		if m == nil {
			continue
		}
		m.Symbol = sym
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Symbol.ID < matches[j].Symbol.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// matchName scores one name; nil means below the threshold.
func matchName(q []rune, queryTokens []string, name string) *FuzzyMatch {
	n := []rune(strings.ToLower(name))

	switch {
	case string(n) == string(q):
		return &FuzzyMatch{Score: 1.0, MatchType: "exact", Highlights: makeRange(0, len(n))}
	case hasPrefix(n, q):
		return &FuzzyMatch{Score: 0.9, MatchType: "prefix", Highlights: makeRange(0, len(q))}
	}
	if i := indexRunes(n, q); i >= 0 {
		return &FuzzyMatch{Score: 0.7, MatchType: "contains", Highlights: makeRange(i, i+len(q))}
	}

	var best *FuzzyMatch
	if score, highlights := fuzzyMatch(q, n); score > 0.3 {
		best = &FuzzyMatch{Score: score * 0.6, MatchType: "fuzzy", Highlights: highlights}
	}
	// CamelCase token matching: "GetRt" finds "GetRate".
	if score := tokenMatch(queryTokens, tokenize(name)) * 0.8; score > 0.3 && (best == nil || score > best.Score) {
		best = &FuzzyMatch{Score: score, MatchType: "token", Highlights: subsequence(q, n)}
	}
	if best == nil || best.Score <= 0.3 {
		return nil
	}
	return best
}

func hasPrefix(s, prefix []rune) bool {
	return len(s) >= len(prefix) && string(s[:len(prefix)]) == string(prefix)
}

func indexRunes(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if string(s[i:i+len(sub)]) == string(sub) {
			return i
		}
	}
	return -1
}

// fuzzyMatch calculates fuzzy similarity using longest common subsequence.
func fuzzyMatch(query, target []rune) (float32, []int) {
	if len(query) == 0 || len(target) == 0 {
		return 0, nil
	}

	indices := longestCommonSubsequence(query, target)
	if len(indices) == 0 {
		return 0, nil
	}

	// Score based on:
	// 1. Ratio of matched characters to query length
	// 2. Ratio of matched characters to target length
	// 3. Bonus for consecutive matches
	matchRatio := float32(len(indices)) / float32(len(query))
	targetRatio := float32(len(indices)) / float32(len(target))

	consecutiveBonus := float32(0)
	for i := 1; i < len(indices); i++ {
		if indices[i] == indices[i-1]+1 {
			consecutiveBonus += 0.05
		}
	}

	return min(matchRatio*0.6+targetRatio*0.3+consecutiveBonus*0.1, 1.0), indices
}

// longestCommonSubsequence returns the indices in t of an LCS of s and t.
func longestCommonSubsequence(s, t []rune) []int {
	m, n := len(s), len(t)

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if s[i-1] == t[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	indices := make([]int, dp[m][n])
	k := len(indices) - 1
	for i, j := m, n; i > 0 && j > 0; {
		switch {
		case s[i-1] == t[j-1]:
			indices[k] = j - 1
			k--
			i--
			j--
		case dp[i-1][j] > dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return indices
}

// tokenize splits a name into lowered tokens at CamelCase, '_' and '.'
// boundaries.
func tokenize(name string) []string {
	var tokens []string
	var current strings.Builder

	prevLower := false
	for _, r := range name {
		if r == '_' || r == '.' || unicode.IsSpace(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			prevLower = false
			continue
		}
		if unicode.IsUpper(r) && prevLower && current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		current.WriteRune(unicode.ToLower(r))
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// tokenMatch returns the share of query tokens that prefix some target token.
func tokenMatch(queryTokens, targetTokens []string) float32 {
	if len(queryTokens) == 0 || len(targetTokens) == 0 {
		return 0
	}

	matched := 0
	for _, qt := range queryTokens {
		for _, tt := range targetTokens {
			if strings.HasPrefix(tt, qt) {
				matched++
				break
			}
		}
	}
	return float32(matched) / float32(len(queryTokens))
}

// subsequence greedily finds the positions of q's runes in order within n.
func subsequence(q, n []rune) []int {
	var highlights []int
	qi := 0
	for ni := 0; ni < len(n) && qi < len(q); ni++ {
		if n[ni] == q[qi] {
			highlights = append(highlights, ni)
			qi++
		}
	}
	return highlights
}

// makeRange creates a slice of integers from start to end (exclusive).
func makeRange(start, end int) []int {
	if end <= start {
		return nil
	}
	result := make([]int, end-start)
	for i := range result {
		result[i] = start + i
	}
	return result
}
