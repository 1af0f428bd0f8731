package numeric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"", "  ", "abc", "1.2.3"} {
		_, ok := Parse(input)
		require.False(t, ok, "input %q", input)
	}
}

func TestParsePreservesValue(t *testing.T) {
	d, ok := Parse("27123.45000000")
	require.True(t, ok)
	require.Equal(t, "27123.45", Format(d))
}

func TestIsZeroAcrossScales(t *testing.T) {
	require.True(t, IsZero("0"))
	require.True(t, IsZero("0.00000000"))
	require.False(t, IsZero("0.00000001"))
	require.False(t, IsZero("not-a-number"))
}

func TestParseOrZero(t *testing.T) {
	require.True(t, ParseOrZero("garbage").IsZero())
	require.Equal(t, "6", Format(ParseOrZero("1").Add(ParseOrZero("2")).Add(ParseOrZero("3"))))
}
