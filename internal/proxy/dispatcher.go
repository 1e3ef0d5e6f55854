// Package proxy implements the admission-gated, credential-rotating
// dispatcher (C6): the HTTP surface that accepts a Gemini-shaped request,
// picks a credential, forwards the request upstream, and retries with a
// fresh credential on failure. Grounded throughout on
// original_source/proxy_service.py:handle_request.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"credpool-go/internal/admission"
	"credpool-go/internal/apperrors"
	"credpool-go/internal/constants"
	"credpool-go/internal/credential"
	"credpool-go/internal/metrics"
	"credpool-go/internal/store"
	"credpool-go/internal/tracing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatcher is the C6 handler. One instance is mounted on the catch-all
// proxy route.
type Dispatcher struct {
	AuthKey            string
	SupportedModels    map[string]struct{}
	DefaultUpstreamURL string
	GatewayURL         string
	MaxRetries         int
	MaxSelectorRetries int

	Selector  *credential.Selector
	Admission *admission.Controller
	Store     store.Store
	Client    *http.Client
	IPLimiter *IPLimiter
	Intervals store.HealthIntervals
}

// Handle implements gin.HandlerFunc for the proxy catch-all route.
func (d *Dispatcher) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	authenticated := d.authenticate(c)

	if !authenticated {
		ip := c.ClientIP()
		if !d.IPLimiter.Allow(ctx, ip) {
			abortWithError(c, apperrors.RateLimited("Too Many Requests"))
			return
		}
	}

	subpath := strings.TrimPrefix(c.Param("subpath"), "/")
	model, apiErr := d.validatePath(subpath)
	if apiErr != nil {
		abortWithError(c, apiErr)
		return
	}
	c.Set("model", model)

	if !authenticated {
		healthy, err := d.Store.CountHealthy(ctx, model)
		if err != nil {
			abortWithError(c, apperrors.Internal("failed to evaluate credential availability"))
			return
		}
		if !d.Admission.Decide(healthy) {
			metrics.AdmissionRejectionsTotal.WithLabelValues(model, "low_healthy_count").Inc()
			abortWithError(c, apperrors.AdmissionRejected("no gemini key currently available"))
			return
		}
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWithError(c, apperrors.Internal("failed to read request body"))
		return
	}

	used := make(map[int64]struct{})
	for attempt := 0; attempt < d.MaxRetries; attempt++ {
		cred, err := d.Selector.Pick(ctx, model, used, d.selectorRetries())
		if err != nil {
			abortWithError(c, apperrors.Internal("failed to select a credential"))
			return
		}
		if cred == nil {
			if attempt == 0 {
				_ = d.Store.LogRequest(ctx, nil, model, http.StatusServiceUnavailable, c.Request.URL.Path, 0)
			}
			continue
		}
		used[cred.ID] = struct{}{}
		if attempt > 0 {
			metrics.CredentialRotationsTotal.WithLabelValues(model).Inc()
		}

		if d.attempt(c, subpath, model, cred, body) {
			return
		}
	}

	abortWithError(c, apperrors.Exhausted(fmt.Sprintf(
		"Service temporarily unavailable for model '%s' after %d retries.", model, d.MaxRetries)))
}

func (d *Dispatcher) selectorRetries() int {
	if d.MaxSelectorRetries > 0 {
		return d.MaxSelectorRetries
	}
	return 5
}

// attempt performs one upstream dispatch with cred. It returns true once the
// response has been fully written to c; false means the caller should pick
// another credential and retry.
func (d *Dispatcher) attempt(c *gin.Context, subpath, model string, cred *store.Credential, body []byte) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.UpstreamStreamTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "dispatcher", "upstream.dispatch")
	span.SetAttributes(
		attribute.String("credpool.model", model),
		attribute.Int64("credpool.credential_id", cred.ID),
	)
	defer span.End()

	start := time.Now()

	upstreamURL := d.buildUpstreamURL(c, subpath)
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build upstream request")
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build upstream request")
		return false
	}
	copyForwardHeaders(req.Header, c.Request.Header)
	req.Header.Set("x-goog-api-key", cred.Value)
	req.Host = "generativelanguage.googleapis.com"

	resp, err := d.Client.Do(req)
	if err != nil {
		elapsed := time.Since(start).Milliseconds()
		log.WithError(err).WithField("credential_id", cred.ID).Debug("upstream request failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		_ = d.Store.RecordHealth(ctx, cred.ID, model, http.StatusInternalServerError, store.SourceDispatcher, d.Intervals)
		_ = d.Store.LogRequest(ctx, &cred.ID, model, http.StatusInternalServerError, c.Request.URL.Path, elapsed)
		return false
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	elapsed := time.Since(start).Milliseconds()
	metrics.UpstreamRequestsTotal.WithLabelValues(model, statusClass(resp.StatusCode)).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

	_ = d.Store.RecordHealth(ctx, cred.ID, model, resp.StatusCode, store.SourceDispatcher, d.Intervals)
	_ = d.Store.LogRequest(ctx, &cred.ID, model, resp.StatusCode, c.Request.URL.Path, elapsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		log.WithFields(log.Fields{
			"credential_id": cred.ID,
			"model":         model,
			"status":        resp.StatusCode,
		}).Debug("upstream rejected request, rotating credential: " + string(preview))
		return false
	}

	if err := writeUpstreamResponse(c, resp); err != nil {
		log.WithError(err).WithField("credential_id", cred.ID).Warn("sse pre-check failed, rotating credential")
		_ = d.Store.RecordHealth(ctx, cred.ID, model, http.StatusInternalServerError, store.SourceDispatcher, d.Intervals)
		_ = d.Store.LogRequest(ctx, &cred.ID, model, http.StatusInternalServerError, c.Request.URL.Path, time.Since(start).Milliseconds())
		return false
	}
	return true
}

// authenticate reports whether the caller presented AuthKey via the "key"
// query parameter or the x-goog-api-key header. An empty AuthKey means
// authentication is disabled, so every caller is treated as unauthenticated
// rather than bypassing the checks gated on that state.
func (d *Dispatcher) authenticate(c *gin.Context) bool {
	if d.AuthKey == "" {
		return false
	}
	clientKey := c.Query("key")
	headerKey := c.GetHeader("x-goog-api-key")
	return clientKey == d.AuthKey || headerKey == d.AuthKey
}

func (d *Dispatcher) validatePath(subpath string) (string, *apperrors.Error) {
	if !strings.HasPrefix(subpath, "v1beta/models/") {
		return "", apperrors.NotFound("Not Found")
	}

	modelPart := strings.SplitN(subpath, ":", 2)[0]
	parts := strings.Split(modelPart, "/")
	if len(parts) < 3 {
		return "", apperrors.NotFound("Invalid path format")
	}

	modelName := parts[len(parts)-1]
	if _, ok := d.SupportedModels[modelName]; !ok {
		return "", apperrors.NotFound(fmt.Sprintf("Model '%s' not supported", modelName))
	}
	return modelName, nil
}

func (d *Dispatcher) buildUpstreamURL(c *gin.Context, subpath string) string {
	var base string
	if d.GatewayURL != "" {
		modelPath := subpath[strings.LastIndex(subpath, "/")+1:]
		base = fmt.Sprintf("%s/google-ai-studio/v1beta/models/%s", strings.TrimSuffix(d.GatewayURL, "/"), modelPath)
	} else {
		base = fmt.Sprintf("%s/%s", strings.TrimSuffix(d.DefaultUpstreamURL, "/"), subpath)
	}

	query := c.Request.URL.Query()
	query.Del("key")
	if encoded := query.Encode(); encoded != "" {
		base += "?" + encoded
	}
	return base
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// copyForwardHeaders copies headers onto an upstream request, dropping the
// ones the transport recomputes from the new body and host.
func copyForwardHeaders(dst, src http.Header) {
	for k, values := range src {
		lk := strings.ToLower(k)
		if lk == "host" || lk == "content-length" {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func abortWithError(c *gin.Context, err *apperrors.Error) {
	c.Data(err.HTTPStatus, "application/json", err.Envelope())
	c.Abort()
}
