package realtime

import (
	"time"

	"sigma/cmd/identity/ids"
)

// newConnID returns a ULID identifying one push connection in logs.
func newConnID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return "conn-" + now.Format("20060102T150405.000000000")
	}
	return id
}
