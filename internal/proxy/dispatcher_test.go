package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"credpool-go/internal/admission"
	"credpool-go/internal/credential"
	"credpool-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	pool          []store.Credential
	next          int
	healthy       int
	recordedCodes []int
	bans          []store.BannedIP
}

func (f *fakeStore) PickCredential(ctx context.Context, model string) (*store.Credential, error) {
	if len(f.pool) == 0 {
		return nil, nil
	}
	c := f.pool[f.next%len(f.pool)]
	f.next++
	return &c, nil
}

func (f *fakeStore) RecordHealth(ctx context.Context, credentialID int64, model string, statusCode int, source store.HealthSource, intervals store.HealthIntervals) error {
	f.recordedCodes = append(f.recordedCodes, statusCode)
	return nil
}

func (f *fakeStore) LogRequest(ctx context.Context, credentialID *int64, model string, statusCode int, path string, responseTimeMs int64) error {
	return nil
}

func (f *fakeStore) CountHealthy(ctx context.Context, model string) (int, error) {
	return f.healthy, nil
}

func (f *fakeStore) ListBans(ctx context.Context) ([]store.BannedIP, error) {
	return f.bans, nil
}

func (f *fakeStore) BanIP(ctx context.Context, ip string) error {
	f.bans = append(f.bans, store.BannedIP{IP: ip})
	return nil
}

func newTestDispatcher(t *testing.T, upstream *httptest.Server, s *fakeStore) *Dispatcher {
	t.Helper()
	cache, err := store.NewBannedIPCache(context.Background(), s, "")
	require.NoError(t, err)

	return &Dispatcher{
		AuthKey:            "",
		SupportedModels:    map[string]struct{}{"gemini-2.5-pro": {}},
		DefaultUpstreamURL: upstream.URL,
		MaxRetries:         3,
		Selector:           credential.NewSelector(s),
		Admission:          &admission.Controller{Low: 0, High: 1, CoeffA: 0, CoeffB: 0},
		Store:              s,
		Client:             upstream.Client(),
		IPLimiter:          NewIPLimiter(cache, 1000, 100000),
		Intervals:          store.DefaultHealthIntervals(),
	}
}

func newTestRouter(d *Dispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/*subpath", d.Handle)
	return r
}

func TestDispatcherRotatesCredentialOnUpstreamFailure(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	s := &fakeStore{pool: []store.Credential{{ID: 1, Value: "key-a"}, {ID: 2, Value: "key-b"}}}
	d := newTestDispatcher(t, upstream, s)
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int{500, 200}, s.recordedCodes)
}

func TestDispatcherStreamsSSEAfterSuccessfulPrecheck(t *testing.T) {
	event := "data: {\"chunk\":1}\r\n\r\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte(event))
		flusher.Flush()
		w.Write([]byte(event))
		flusher.Flush()
	}))
	defer upstream.Close()

	s := &fakeStore{pool: []store.Credential{{ID: 1, Value: "key-a"}}}
	d := newTestDispatcher(t, upstream, s)
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, event+event, w.Body.String())
	assert.Equal(t, []int{200}, s.recordedCodes)
}

func TestDispatcherExhaustsAfterMaxRetries(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	s := &fakeStore{pool: []store.Credential{{ID: 1, Value: "key-a"}}}
	d := newTestDispatcher(t, upstream, s)
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDispatcherRejectsUnsupportedModel(t *testing.T) {
	reached := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	defer upstream.Close()

	s := &fakeStore{pool: []store.Credential{{ID: 1, Value: "key-a"}}}
	d := newTestDispatcher(t, upstream, s)
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/unknown-model:generateContent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, reached)
}

func TestDispatcherAdmissionRejectsBelowLowThreshold(t *testing.T) {
	reached := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	defer upstream.Close()

	s := &fakeStore{pool: []store.Credential{{ID: 1, Value: "key-a"}}, healthy: 0}
	d := newTestDispatcher(t, upstream, s)
	d.Admission = &admission.Controller{Low: 10, High: 40, CoeffA: -0.05, CoeffB: 2.5}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, reached)
}
