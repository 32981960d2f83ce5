package main

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	t.Run("Should keep short names", func(t *testing.T) {
		assert.Equal(t, "meter.csv", truncate("meter.csv", 24))
	})

	t.Run("Should keep the tail of long names", func(t *testing.T) {
		assert.Equal(t, "…ter.csv", truncate("/data/2026/meter.csv", 8))
	})

	t.Run("Should not split multi-byte characters", func(t *testing.T) {
		out := truncate("/exports/consumo_eléctrico_añoñoño.csv", 12)
		assert.True(t, utf8.ValidString(out))
		assert.Equal(t, 12, utf8.RuneCountInString(out))
		assert.Equal(t, "…añoñoño.csv", out)
	})
}
