package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerDisabled(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 5; i++ {
		assert.Zero(t, p.Reserve("a"))
	}
}

func TestPacerSpacesRequests(t *testing.T) {
	p := NewPacer(100 * time.Millisecond)
	now := time.Now()
	p.now = func() time.Time { return now }

	assert.Zero(t, p.Reserve("a"), "first request goes straight through")

	wait := p.Reserve("a")
	assert.Equal(t, 100*time.Millisecond, wait)

	wait = p.Reserve("a")
	assert.Equal(t, 200*time.Millisecond, wait, "slots accumulate")
}

func TestPacerPerAccount(t *testing.T) {
	p := NewPacer(100 * time.Millisecond)
	now := time.Now()
	p.now = func() time.Time { return now }

	assert.Zero(t, p.Reserve("a"))
	assert.Zero(t, p.Reserve("b"), "accounts pace independently")
}

func TestPacerForget(t *testing.T) {
	p := NewPacer(time.Hour)
	now := time.Now()
	p.now = func() time.Time { return now }

	p.Reserve("a")
	p.Forget("a")
	assert.Zero(t, p.Reserve("a"))
}
