package matcher_test

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-capture/internal/matcher"
)

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	t.Run("returns only the patterns present", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"wsdl:", "soapAction="})
		got := m.Match([]byte(`<operation soapAction="Foo"/>`))
		assert.Equal(t, []string{"soapAction="}, got)
	})

	t.Run("collapses repeated occurrences", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"a", "b"})
		assert.Equal(t, []string{"a", "b"}, m.MatchString("b a b a a"))
	})

	t.Run("keeps dictionary order", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"zeta", "alpha", "targetNamespace"})
		got := m.MatchString("alpha ... targetNamespace ... zeta")
		assert.Equal(t, []string{"zeta", "alpha", "targetNamespace"}, got)
	})

	t.Run("overlapping patterns all reported", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"xs:int", "s:int", "int"})
		assert.Equal(t, []string{"xs:int", "s:int", "int"}, m.MatchString("<xs:int>"))
	})

	t.Run("empty result is non nil", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"wsdl:"})
		got := m.MatchString("nothing to see")
		require.NotNil(t, got)
		assert.Empty(t, got)
		assert.NotNil(t, m.Match(nil))
	})

	t.Run("empty dictionary never matches", func(t *testing.T) {
		t.Parallel()
		m := matcher.New(nil)
		assert.Empty(t, m.MatchString("anything"))
		assert.False(t, m.Contains([]byte("anything")))
	})

	t.Run("duplicate and empty patterns are dropped", func(t *testing.T) {
		t.Parallel()
		m := matcher.New([]string{"", "a", "a", "b"})
		assert.Equal(t, []string{"a", "b"}, m.Patterns())
		assert.Equal(t, []string{"a"}, m.MatchString("aaa"))
	})
}

func TestMatcher_Contains(t *testing.T) {
	t.Parallel()
	m := matcher.New([]string{"disco:discovery "})
	assert.True(t, m.Contains([]byte(`<disco:discovery xmlns:disco="x">`)))
	assert.False(t, m.Contains([]byte(`<disco:discovery>`)))
}

func TestMatcher_LargeBody(t *testing.T) {
	t.Parallel()
	m := matcher.New([]string{"needle", "haystack-never"})
	body := strings.Repeat("x", 1<<20) + "needle"
	assert.Equal(t, []string{"needle"}, m.MatchString(body))
}

// naiveMatch is the quadratic reference the automaton must agree with.
func naiveMatch(patterns []string, text string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, p := range patterns {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if strings.Contains(text, p) {
			out = append(out, p)
		}
	}
	return out
}

func FuzzMatcher_AgreesWithNaive(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		input := struct {
			Patterns []string
			Text     string
		}{}
		if err := consumer.GenerateStruct(&input); err != nil {
			return
		}

		m := matcher.New(input.Patterns)
		assert.Equal(t, naiveMatch(input.Patterns, input.Text), m.MatchString(input.Text))
	})
}
