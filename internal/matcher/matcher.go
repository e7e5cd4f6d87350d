// Package matcher provides multi-pattern substring search over response bodies.
package matcher

import (
	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Matcher searches text for a fixed dictionary of substrings in a single pass.
// It is built once and is safe for concurrent use.
type Matcher struct {
	trie     *ahocorasick.Trie
	patterns []string
}

// New builds an automaton over patterns. Empty and duplicate patterns are dropped;
// the first occurrence of each pattern fixes its position in the dictionary.
func New(patterns []string) *Matcher {
	seen := make(map[string]struct{}, len(patterns))
	uniq := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}

	m := &Matcher{patterns: uniq}
	if len(uniq) > 0 {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(uniq).Build()
	}
	return m
}

// Patterns returns a copy of the dictionary.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match returns the set of dictionary patterns found in text, in dictionary order.
// The result is never nil.
func (m *Matcher) Match(text []byte) []string {
	if m.trie == nil || len(text) == 0 {
		return []string{}
	}
	return m.collect(m.trie.Match(text))
}

// MatchString is Match for string input.
func (m *Matcher) MatchString(text string) []string {
	if m.trie == nil || text == "" {
		return []string{}
	}
	return m.collect(m.trie.MatchString(text))
}

// Contains reports whether any pattern occurs in text.
func (m *Matcher) Contains(text []byte) bool {
	if m.trie == nil || len(text) == 0 {
		return false
	}
	return m.trie.MatchFirst(text) != nil
}

func (m *Matcher) collect(matches []*ahocorasick.Match) []string {
	if len(matches) == 0 {
		return []string{}
	}
	hit := make([]bool, len(m.patterns))
	n := 0
	for _, match := range matches {
		idx := int(match.Pattern())
		if idx < 0 || idx >= len(hit) || hit[idx] {
			continue
		}
		hit[idx] = true
		n++
		if n == len(hit) {
			break
		}
	}

	out := make([]string, 0, n)
	for i, ok := range hit {
		if ok {
			out = append(out, m.patterns[i])
		}
	}
	return out
}
