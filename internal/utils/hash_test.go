package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Len(t, HashString("anything"), 64)
	assert.Equal(t, HashString("x"), HashString("x"))
	assert.NotEqual(t, HashString("x"), HashString("y"))
}

func TestShortHash(t *testing.T) {
	assert.Len(t, ShortHash("anything"), 16)
	assert.Equal(t, HashString("x")[:16], ShortHash("x"))
}

func TestParseBearer(t *testing.T) {
	token, err := ParseBearer("Bearer abc123")
	assert.NoError(t, err)
	assert.Equal(t, "abc123", token)

	token, err = ParseBearer("bearer abc123")
	assert.NoError(t, err, "scheme is case-insensitive")
	assert.Equal(t, "abc123", token)

	_, err = ParseBearer("")
	assert.Error(t, err)
	_, err = ParseBearer("Basic abc")
	assert.Error(t, err)
	_, err = ParseBearer("Bearer ")
	assert.Error(t, err)
}
