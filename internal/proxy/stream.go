package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// hopByHopResponseHeaders are stripped from the upstream response before
// re-emission: transfer-encoding and content-length no longer describe the
// re-framed body, and content-encoding would require us to re-compress.
var hopByHopResponseHeaders = map[string]struct{}{
	"transfer-encoding": {},
	"content-encoding":  {},
	"content-length":    {},
}

// writeUpstreamResponse commits resp's status and headers to c and copies
// its body. For an SSE response it runs the two-event pre-check first and
// only commits once that succeeds, so a pre-check failure can still be
// retried with a different credential; a plain response is buffered in full
// before anything is written, for the same reason.
func writeUpstreamResponse(c *gin.Context, resp *http.Response) error {
	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	if !isSSE {
		full, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		writeHeaders(c, resp.Header, resp.StatusCode)
		_, err = c.Writer.Write(full)
		return err
	}

	prefix, err := precheckSSE(resp.Body)
	if err != nil {
		return err
	}

	writeHeaders(c, resp.Header, resp.StatusCode)
	if _, err := c.Writer.Write(prefix); err != nil {
		return nil
	}
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	if n, err := io.Copy(c.Writer, resp.Body); err != nil {
		log.WithError(err).WithField("bytes_written", n).Debug("sse stream ended early")
	}
	return nil
}

func writeHeaders(c *gin.Context, headers http.Header, statusCode int) {
	for k, values := range headers {
		if _, skip := hopByHopResponseHeaders[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(statusCode)
}
