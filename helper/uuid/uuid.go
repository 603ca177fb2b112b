// Package uuid wraps ID generation so callers never deal with the
// generator's error return; generation failure means the platform's
// entropy source is broken and nothing sensible can continue.
package uuid

import (
	"fmt"

	gouuid "github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID string.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate uuid: %w", err))
	}
	return id
}

// Short returns the first 8 characters of a random UUID, used for
// human-facing identifiers such as decision and artifact IDs.
func Short() string {
	return Generate()[:8]
}
