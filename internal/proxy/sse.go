package proxy

import (
	"bytes"
	"errors"
	"io"
)

// ErrSSEPrecheckFailed is returned when fewer than two complete
// \r\n\r\n-delimited events arrive before upstream closes the connection.
var ErrSSEPrecheckFailed = errors.New("sse pre-check failed: insufficient events received")

const sseEventDelimiter = "\r\n\r\n"

// precheckSSE reads from upstream until two complete \r\n\r\n-delimited
// events have been observed, grounded on
// original_source/proxy_service.py:_handle_sse_stream. It returns the
// prefix to flush to the client: the two events plus any trailing partial
// data already read past them. The rest of the upstream body is proxied
// verbatim by the caller afterward.
func precheckSSE(body io.Reader) ([]byte, error) {
	var buffer []byte
	chunk := make([]byte, 8192)
	eventCount := 0
	searchFrom := 0

	for eventCount < 2 {
		n, err := body.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for eventCount < 2 {
				idx := bytes.Index(buffer[searchFrom:], []byte(sseEventDelimiter))
				if idx < 0 {
					break
				}
				searchFrom += idx + len(sseEventDelimiter)
				eventCount++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if eventCount < 2 {
					return nil, ErrSSEPrecheckFailed
				}
				return buffer, nil
			}
			return nil, err
		}
	}
	return buffer, nil
}
