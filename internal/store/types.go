package store

import "time"

// Credential is an immutable credential identity: the raw string is unique,
// the id is a surrogate integer used everywhere else in the schema.
type Credential struct {
	ID        int64     `json:"id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthRecord tracks one (credential, model) pair's most recent probe/use
// result and the next time it is due to be re-tested.
type HealthRecord struct {
	CredentialID  int64      `json:"credential_id"`
	ModelName     string     `json:"model_name"`
	LastTested    *time.Time `json:"last_tested"`
	NextTestTime  time.Time  `json:"next_test_time"`
	StatusCode    *int       `json:"status_code"`
	TestCount     int64      `json:"test_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Status classifies a HealthRecord by its most recent status code.
type Status int

const (
	StatusUntested Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (h HealthRecord) Status() Status {
	switch {
	case h.StatusCode == nil:
		return StatusUntested
	case *h.StatusCode == 200:
		return StatusHealthy
	default:
		return StatusUnhealthy
	}
}

// RequestLog is an append-only record of one dispatch attempt's outcome.
type RequestLog struct {
	ID             int64     `json:"id"`
	CredentialID   *int64    `json:"credential_id"`
	ModelName      string    `json:"model_name"`
	StatusCode     int       `json:"status_code"`
	Path           string    `json:"path"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// BannedIP is a persistent record of an IP that exceeded the hourly request
// ceiling. Never removed by the core; unbanning is an operator action.
type BannedIP struct {
	IP            string    `json:"ip"`
	FirstBannedAt time.Time `json:"first_banned_at"`
}

// HealthSource distinguishes a RecordHealth call made by the background
// prober from one made inline during request dispatch; the two sources
// compute next_test_time differently (see Store.RecordHealth).
type HealthSource string

const (
	SourceProber     HealthSource = "prober"
	SourceDispatcher HealthSource = "dispatcher"
)

// ModelAggregate is one model's row in the aggregator's summary.
type ModelAggregate struct {
	Model            string `json:"model"`
	Healthy          int    `json:"healthy"`
	Unhealthy        int    `json:"unhealthy"`
	RequestsLast30m  int    `json:"requests_last_30m"`
}
