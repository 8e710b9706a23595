package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "a long s…", truncate("a long sentence", 9))
	// Rune boundaries, not byte offsets.
	assert.Equal(t, "héllo wö…", truncate("héllo wörld here", 9))
	assert.Equal(t, "日本語…", truncate("日本語のテキスト", 4))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("12345678-90ab-cdef"))
}
