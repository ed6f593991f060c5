package archive

import (
	"bytes"
	"strconv"
	"time"
)

// InjectTrailers splices the archive provenance fields into a JSON object
// payload, immediately before its closing brace:
//
//	{"foo":1}  ->  {"foo":1,"_nats_seq":42,"_received_at":"2026-01-02T03:04:05.000000006Z"}
//
// The payload is treated as bytes; nothing is parsed or re-marshaled, so the
// exchange's own field ordering and number formatting survive intact.
// Payloads that do not end in a JSON object brace are returned unchanged
// with ok == false.
func InjectTrailers(line []byte, seq uint64, receivedAt time.Time) (out []byte, ok bool) {
	end := len(bytes.TrimRight(line, " \t\r\n"))
	if end == 0 || line[end-1] != '}' {
		return line, false
	}

	// Empty object gets no leading comma.
	body := bytes.TrimRight(line[:end-1], " \t\r\n")
	empty := len(body) > 0 && body[len(body)-1] == '{'

	out = make([]byte, 0, end+64)
	out = append(out, line[:end-1]...)
	if !empty {
		out = append(out, ',')
	}
	out = append(out, `"_nats_seq":`...)
	out = strconv.AppendUint(out, seq, 10)
	out = append(out, `,"_received_at":"`...)
	out = receivedAt.UTC().AppendFormat(out, time.RFC3339Nano)
	out = append(out, '"', '}')
	return out, true
}
