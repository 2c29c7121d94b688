package random

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := ID()
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
