package archive

import "time"

// Gap records a run of stream sequences that never reached the archiver.
// Once recorded a gap is never retracted, even if the missing messages are
// later redelivered.
type Gap struct {
	AfterSeq     uint64    `json:"after_seq"`
	MissingCount uint64    `json:"missing_count"`
	DetectedAt   time.Time `json:"detected_at"`
}

// NextExpected advances the expectation cursor for an observed stream
// sequence. expected == 0 means no message has been observed yet; seq == 0 is
// a sentinel (no stream metadata) and leaves the expectation unchanged.
// Redeliveries and duplicates (seq < expected) never regress the cursor.
func NextExpected(expected, seq uint64) (gapAfter, missing, next uint64, hasGap bool) {
	if seq == 0 {
		return 0, 0, expected, false
	}
	if expected == 0 {
		return 0, 0, seq + 1, false
	}
	if seq < expected {
		return 0, 0, expected, false
	}
	if seq > expected {
		return expected - 1, seq - expected, seq + 1, true
	}
	return 0, 0, seq + 1, false
}

// Cursor wraps NextExpected with the running expectation for one stream.
type Cursor struct {
	expected uint64
}

// Observe feeds one sequence through the cursor. It returns a populated Gap
// and true when missing sequences were detected.
func (c *Cursor) Observe(seq uint64, now time.Time) (Gap, bool) {
	after, missing, next, hasGap := NextExpected(c.expected, seq)
	c.expected = next
	if !hasGap {
		return Gap{}, false
	}
	return Gap{AfterSeq: after, MissingCount: missing, DetectedAt: now.UTC()}, true
}

// Expected reports the next sequence the cursor expects, 0 if none observed.
func (c *Cursor) Expected() uint64 { return c.expected }
