// Package clock provides a process-monotonic nanosecond timestamp source for
// the capture hot path, plus a wall anchor for converting those readings back
// to absolute time off the hot path.
package clock

import "time"

// anchor is captured once at process start. time.Since on Linux reads the
// monotonic clock through the vDSO, so Now never enters the kernel.
var (
	anchor     = time.Now()
	anchorWall = anchor.UnixNano()
)

// Now returns nanoseconds elapsed since process start.
func Now() uint64 {
	return uint64(time.Since(anchor))
}

// Wall converts a Now reading to an absolute UTC time. The result inherits
// the anchor's wall-clock accuracy; it is meant for logs and trailer fields,
// not for ordering.
func Wall(mono uint64) time.Time {
	return time.Unix(0, anchorWall+int64(mono)).UTC()
}

// Anchor reports the process start time in UTC.
func Anchor() time.Time {
	return anchor.UTC()
}
