// Package registry is the persistent store of backend server registrations.
//
// It owns the model_servers table and is the single writer for every durable
// field. The request path and the health monitor both mutate records only
// through this package, which serialises writes per record (SQLite holds a
// single write connection) and returns consistent single-record snapshots.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// Health status values carried in the health_status column.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// Typed store errors. Handlers map these onto the HTTP error taxonomy.
var (
	// ErrNotFound means no record with the given registration id exists.
	ErrNotFound = errors.New("registry: server not found")

	// ErrConflict means a uniqueness invariant would be violated: either the
	// registration id exists, or an active record already covers the same
	// (model_name, normalized endpoint URL) pair.
	ErrConflict = errors.New("registry: duplicate registration")
)

// Capabilities is informational metadata supplied at registration.
type Capabilities struct {
	MaxTokens     int  `json:"max_tokens,omitempty"`
	ContextLength int  `json:"context_length,omitempty"`
	Streaming     bool `json:"streaming"`
}

// Owner is opaque contact metadata for the person running the backend.
type Owner struct {
	StudentID   string `json:"student_id,omitempty"`
	Description string `json:"description,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Server is one registered backend. BackendAPIKey is only ever forwarded to
// the backend itself; admin projections must strip it.
type Server struct {
	RegistrationID      string
	ModelName           string
	EndpointURL         string
	NormalizedURL       string
	BackendAPIKey       string
	Capabilities        Capabilities
	Owner               Owner
	HealthStatus        string
	ConsecutiveFailures int
	LastCheckedAt       *time.Time
	LastLatencyMs       *int64
	IsActive            bool
	RegisteredAt        time.Time
	UpdatedAt           time.Time
}

// Patch is a partial update. Nil fields are left untouched. RegisteredAt is
// immutable and deliberately absent. Callers changing EndpointURL must set
// NormalizedURL alongside it.
type Patch struct {
	ModelName           *string
	EndpointURL         *string
	NormalizedURL       *string
	BackendAPIKey       *string
	Capabilities        *Capabilities
	Owner               *Owner
	HealthStatus        *string
	ConsecutiveFailures *int
	LastCheckedAt       *time.Time
	LastLatencyMs       *int64
}

// Filter selects records for List. Zero values mean "no constraint".
type Filter struct {
	ModelName       string
	HealthStatus    string
	IncludeInactive bool
}

// ModelSummary aggregates the active records of one model for GET /v1/models.
type ModelSummary struct {
	ModelName    string
	EarliestReg  time.Time
	HealthyCount int
	ActiveCount  int
}

// Stats is the aggregate view served by the admin stats endpoint.
type Stats struct {
	TotalServers int `json:"total_servers"`
	Healthy      int `json:"healthy"`
	Unhealthy    int `json:"unhealthy"`
	Unknown      int `json:"unknown"`
	Models       int `json:"models"`
}

// NewRegistrationID returns a fresh "srv_" + 16 hex chars identifier drawn
// from the CSPRNG.
func NewRegistrationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// there is no sane way to continue issuing identities.
		panic("registry: crypto/rand unavailable: " + err.Error())
	}
	return "srv_" + hex.EncodeToString(b[:])
}
