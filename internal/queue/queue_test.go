package queue

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 5 * time.Hour

	tests := []struct {
		attempts int64
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{10, 512 * 30 * time.Second},
		{11, max},
		{1000, max},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Backoff(base, max, tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestBackoffNeverDecreases(t *testing.T) {
	prev := time.Duration(0)
	for a := int64(1); a < 100; a++ {
		d := Backoff(time.Second, time.Hour, a)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "", TruncateError(nil))
	assert.Len(t, TruncateError(errors.New(strings.Repeat("x", 900))), 500)
}
