package random

import (
	"strings"

	"github.com/google/uuid"
)

const idLen = 12

// ID returns a short run identifier made of lowercase hex digits, safe to use
// as a file name prefix.
func ID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLen]
}
