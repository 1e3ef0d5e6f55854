package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"credpool-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	store.Store
	due     []store.DueCredentialRow
	mu      sync.Mutex
	recorded []recordedHealth
}

type recordedHealth struct {
	credentialID int64
	model        string
	status       int
	source       store.HealthSource
}

func (r *recordingStore) DueCredentials(ctx context.Context, models []string, now time.Time) ([]store.DueCredentialRow, error) {
	return r.due, nil
}

func (r *recordingStore) RecordHealth(ctx context.Context, credentialID int64, model string, statusCode int, source store.HealthSource, intervals store.HealthIntervals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, recordedHealth{credentialID, model, statusCode, source})
	return nil
}

func TestProberTickRecordsHealthForDueCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rs := &recordingStore{due: []store.DueCredentialRow{
		{CredentialID: 1, Value: "key-a", Model: "gemini-2.5-pro"},
		{CredentialID: 2, Value: "key-b", Model: "gemini-2.5-pro"},
	}}

	p := &Prober{
		Store:          rs,
		Client:         srv.Client(),
		Models:         []string{"gemini-2.5-pro"},
		TestURLFormat:  srv.URL + "/v1beta/models/%s:generateContent",
		ProbeTimeout:   2 * time.Second,
		MaxConcurrency: 4,
		Intervals:      store.DefaultHealthIntervals(),
	}

	require.NoError(t, p.Tick(context.Background()))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	assert.Len(t, rs.recorded, 2)
	for _, rec := range rs.recorded {
		assert.Equal(t, 200, rec.status)
		assert.Equal(t, store.SourceProber, rec.source)
	}
}

func TestProberTickNoOpWhenNothingDue(t *testing.T) {
	rs := &recordingStore{}
	p := &Prober{Store: rs, Client: http.DefaultClient, Models: []string{"m"}}
	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, rs.recorded)
}
