package extraction

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitParagraphsPacksUpToLimit(t *testing.T) {
	got := splitParagraphs([]string{"aaa", "bbb", "ccc"}, 10)
	require.Equal(t, []string{"aaa\n\nbbb", "ccc"}, got)
}

func TestSplitParagraphsSkipsBlank(t *testing.T) {
	got := splitParagraphs([]string{"", "  ", "hello", "\t"}, 100)
	require.Equal(t, []string{"hello"}, got)
}

func TestSplitParagraphsEmptyInput(t *testing.T) {
	assert.Empty(t, splitParagraphs(nil, 100))
	assert.Empty(t, splitParagraphs([]string{"", ""}, 100))
}

func TestSplitLongPrefersSentenceBoundary(t *testing.T) {
	para := "Alpha beta. Gamma delta epsilon zeta."
	got := splitParagraphs([]string{para}, 20)
	require.Equal(t, []string{"Alpha beta.", "Gamma delta epsilon", "zeta."}, got)
}

func TestSplitParagraphsNeverExceedsLimit(t *testing.T) {
	paras := []string{
		"short one",
		strings.Repeat("word ", 200),
		"another short",
		strings.Repeat("x", 500),
	}
	for _, max := range []int{10, 50, 100, 1000} {
		for _, chunk := range splitParagraphs(paras, max) {
			assert.LessOrEqual(t, len([]rune(chunk)), max, "max=%d", max)
			assert.NotEmpty(t, strings.TrimSpace(chunk))
		}
	}
}

func TestSplitParagraphsRuneSafe(t *testing.T) {
	para := strings.Repeat("é", 25)
	got := splitParagraphs([]string{para}, 10)
	require.Len(t, got, 3)
	total := 0
	for _, chunk := range got {
		require.True(t, utf8.ValidString(chunk))
		assert.LessOrEqual(t, len([]rune(chunk)), 10)
		total += len([]rune(chunk))
	}
	assert.Equal(t, 25, total)
}

func TestSplitParagraphsZeroMaxFallsBack(t *testing.T) {
	got := splitParagraphs([]string{"hello world"}, 0)
	require.Equal(t, []string{"hello world"}, got)
}
