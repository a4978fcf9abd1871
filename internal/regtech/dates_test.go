package regtech

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateFormats(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	cases := []string{
		"2024-01-15",
		"2024/01/15",
		"2024.01.15",
		"20240115",
		"01/15/2024",
		"1/15/2024",
		"January 15, 2024",
		"Jan 15, 2024",
		"2024-01-15 10:30:00",
		" 2024-01-15 ",
	}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			got, ok := ParseDate(input)
			require.True(t, ok, "should parse %q", input)
			assert.Equal(t, want.Year(), got.Year())
			assert.Equal(t, want.Month(), got.Month())
			assert.Equal(t, want.Day(), got.Day())
		})
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "not a date", "2024-13-45", "12345", "블랙리스트"} {
		_, ok := ParseDate(input)
		assert.False(t, ok, "should reject %q", input)
	}
}

func TestLooksLikeDate(t *testing.T) {
	assert.True(t, looksLikeDate("2024-06-01"))
	assert.False(t, looksLikeDate("1.2.3.4"))
}
