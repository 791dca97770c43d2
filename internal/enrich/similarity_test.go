package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePlace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sao goncalo", normalizePlace("São Gonçalo"))
	assert.Equal(t, "sao goncalo", normalizePlace("  SAO   GONCALO  "))
	assert.Equal(t, "niteroi", normalizePlace("Niterói"))
	assert.Equal(t, "", normalizePlace("   "))
}

func TestDiceSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, diceSimilarity("copacabana", "copacabana"))
	assert.Equal(t, 0.0, diceSimilarity("", ""))
	assert.Equal(t, 0.0, diceSimilarity("a", "ab"))

	// One transposed letter still scores high.
	assert.Greater(t, diceSimilarity("copacabana", "copacabena"), 0.7)
	assert.Less(t, diceSimilarity("copacabana", "tijuca"), 0.2)
}

func TestSamePlace(t *testing.T) {
	t.Parallel()

	assert.True(t, samePlace("São Gonçalo", "Sao Goncalo", 0.8))
	assert.True(t, samePlace("Rio de Janeiro", "rio de janeiro", 0.8))
	assert.True(t, samePlace("Complexo do Alemão", "Complexo do Alemao", 0.8))
	assert.False(t, samePlace("Copacabana", "Tijuca", 0.8))
	assert.False(t, samePlace("", "Tijuca", 0.8))
	assert.False(t, samePlace("Copacabana", "", 0.8))
}
