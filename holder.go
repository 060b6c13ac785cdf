package leaseguard

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newHolderID builds an identifier unique to this process start: the start
// time in milliseconds followed by a random suffix.
func newHolderID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.New().String()[:8])
}
