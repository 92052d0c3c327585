package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the target app platform for a build.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// BuildStatus is the closed set of states a Build moves through.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether s is one of the terminal build states, after
// which no further transition is valid.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkerStatus is the closed set of states a Worker moves through.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// LogLevel is the severity of a single BuildLog entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Build is a single submitted mobile-app build request, tracked through
// its lifecycle from submission to a terminal state.
type Build struct {
	ID              string       `db:"id" json:"id"`
	Platform        Platform     `db:"platform" json:"platform"`
	Status          BuildStatus  `db:"status" json:"status"`
	WorkerID        *string      `db:"worker_id" json:"worker_id,omitempty"`
	SourcePath      string       `db:"source_path" json:"-"`
	CertsPath       *string      `db:"certs_path" json:"-"`
	ResultPath      *string      `db:"result_path" json:"-"`
	ErrorMessage    *string      `db:"error_message" json:"error_message,omitempty"`
	AccessToken     string       `db:"access_token" json:"access_token,omitempty"`
	LastHeartbeatAt *time.Time   `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	SubmittedAt     time.Time    `db:"submitted_at" json:"submitted_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// Capabilities is a worker's free-form key-value capability set, stored as
// JSONB.
type Capabilities map[string]string

// Value implements driver.Valuer so Capabilities can be written to a JSONB
// column.
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner so Capabilities can be read back from a JSONB
// column.
func (c *Capabilities) Scan(src any) error {
	if src == nil {
		*c = Capabilities{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Capabilities: %T", src)
	}
	if len(raw) == 0 {
		*c = Capabilities{}
		return nil
	}
	return json.Unmarshal(raw, c)
}

// Worker is a remote machine registered to claim and execute builds.
type Worker struct {
	ID                   string       `db:"id" json:"id"`
	Name                 string       `db:"name" json:"name"`
	Capabilities         Capabilities `db:"capabilities" json:"capabilities,omitempty"`
	Status               WorkerStatus `db:"status" json:"status"`
	AccessToken          string       `db:"access_token" json:"access_token,omitempty"`
	AccessTokenExpiresAt time.Time    `db:"access_token_expires_at" json:"access_token_expires_at,omitempty"`
	BuildsCompleted      int64        `db:"builds_completed" json:"builds_completed"`
	BuildsFailed         int64        `db:"builds_failed" json:"builds_failed"`
	LastSeenAt           time.Time    `db:"last_seen_at" json:"last_seen_at"`
}

// BuildLog is one append-only log line attached to a Build.
type BuildLog struct {
	Seq       int64     `db:"seq" json:"seq"`
	BuildID   string    `db:"build_id" json:"build_id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// ArtifactKind distinguishes the three blob kinds stored per build, each
// with its own size cap (see pkg/config).
type ArtifactKind string

const (
	ArtifactKindSource ArtifactKind = "source"
	ArtifactKindCerts  ArtifactKind = "certs"
	ArtifactKindResult ArtifactKind = "result"
)
