package common

import (
	"github.com/oklog/ulid/v2"
)

// NewULID returns a 26 char, time sortable id. DefaultEntropy is monotonic
// and safe for concurrent use, so ids minted in the same millisecond still sort.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
