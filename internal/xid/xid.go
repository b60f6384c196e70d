package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns an opaque identifier such as "tx-0b7c...". The prefix only aids log reading.
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
