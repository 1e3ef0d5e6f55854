// Package prober implements the background health prober (C3): on each
// tick it re-tests every (credential, model) pair whose next_test_time has
// elapsed.
package prober

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"credpool-go/internal/store"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const probePayload = `{"contents":[{"parts":[{"text":"Hello, world!"}]}]}`

// Prober exercises every (credential, model) pair due for re-test.
type Prober struct {
	Store          store.Store
	Client         *http.Client
	Models         []string
	TestURLFormat  string // e.g. "https://.../v1beta/models/%s:generateContent"
	ProbeTimeout   time.Duration
	MaxConcurrency int
	Intervals      store.HealthIntervals
}

// probeTarget is one (credential, model) pair due for re-test.
type probeTarget struct {
	credentialID int64
	apiKey       string
	model        string
}

// Tick loads every credential × configured model, determines which pairs
// are due, and probes them with bounded concurrency.
func (p *Prober) Tick(ctx context.Context) error {
	targets, err := p.dueTargets(ctx)
	if err != nil {
		return fmt.Errorf("load probe targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	limit := p.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			p.probeOne(gctx, target)
			return nil
		})
	}
	return g.Wait()
}

// dueTargets asks the store for every (credential, model) pair whose
// next_test_time has elapsed, matching original_source/key_tester.py's scan.
// A pair with no health record is not returned, so it is not probed until
// the syncer has created its record.
func (p *Prober) dueTargets(ctx context.Context) ([]probeTarget, error) {
	lister, ok := p.Store.(store.DueCredentialLister)
	if !ok {
		return nil, fmt.Errorf("store does not implement DueCredentialLister")
	}
	due, err := lister.DueCredentials(ctx, p.Models, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	targets := make([]probeTarget, 0, len(due))
	for _, d := range due {
		targets = append(targets, probeTarget{credentialID: d.CredentialID, apiKey: d.Value, model: d.Model})
	}
	return targets, nil
}

func (p *Prober) probeOne(ctx context.Context, target probeTarget) {
	status, err := p.probe(ctx, target)
	if err != nil {
		// Transport failure: leave the record untouched, it will be
		// retried on the next tick (spec §4.3 step 4).
		log.WithError(err).WithFields(log.Fields{
			"credential_id": target.credentialID,
			"model":         target.model,
		}).Debug("probe transport failure")
		return
	}
	if err := p.Store.RecordHealth(ctx, target.credentialID, target.model, status, store.SourceProber, p.Intervals); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"credential_id": target.credentialID,
			"model":         target.model,
		}).Warn("failed to record probe health")
	}
}

func (p *Prober) probe(ctx context.Context, target probeTarget) (int, error) {
	timeout := p.ProbeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf(p.TestURLFormat, target.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(probePayload))
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", target.apiKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
