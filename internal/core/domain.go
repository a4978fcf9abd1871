package core

import (
	"encoding/json"
	"time"
)

// BlockedIP is one blacklisted address as persisted. The natural key is
// (ip_address, source); everything else is merged on re-observation.
type BlockedIP struct {
	ID             int64           `db:"id" json:"id"`
	IPAddress      string          `db:"ip_address" json:"ip_address"`
	Source         string          `db:"source" json:"source"` // e.g. "REGTECH", "MANUAL"
	Country        string          `db:"country" json:"country,omitempty"`
	Reason         string          `db:"reason" json:"reason,omitempty"`
	Confidence     int             `db:"confidence" json:"confidence"` // 0-100
	DetectionCount int             `db:"detection_count" json:"detection_count"`
	DetectionDate  *time.Time      `db:"detection_date" json:"detection_date,omitempty"`
	RemovalDate    *time.Time      `db:"removal_date" json:"removal_date,omitempty"`
	LastSeen       time.Time       `db:"last_seen" json:"last_seen"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	RawPayload     json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
}

// WhitelistEntry overrides any blacklist verdict while active.
type WhitelistEntry struct {
	ID        int64     `db:"id" json:"id"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	Country   string    `db:"country" json:"country,omitempty"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	Source    string    `db:"source" json:"source"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CollectionRun is one row of the append-only collection ledger.
type CollectionRun struct {
	ID             int64           `db:"id" json:"id"`
	ServiceName    string          `db:"service_name" json:"service_name"`
	StartedAt      time.Time       `db:"started_at" json:"started_at"`
	FinishedAt     time.Time       `db:"finished_at" json:"finished_at"`
	Success        bool            `db:"success" json:"success"`
	ItemsCollected int             `db:"items_collected" json:"items_collected"`
	NewCount       int             `db:"new_count" json:"new_count"`
	UpdatedCount   int             `db:"updated_count" json:"updated_count"`
	DurationMS     int64           `db:"duration_ms" json:"duration_ms"`
	ErrorMessage   string          `db:"error_message" json:"error_message,omitempty"`
	Details        json.RawMessage `db:"details" json:"details,omitempty"`
}

// Credential holds one upstream portal account. Password is plaintext only
// in memory; the store keeps an encrypted envelope.
type Credential struct {
	ServiceName        string     `json:"service_name"`
	Username           string     `json:"username"`
	Password           string     `json:"-"`
	Enabled            bool       `json:"enabled"`
	CollectionInterval int        `json:"collection_interval"` // seconds
	LastCollection     *time.Time `json:"last_collection,omitempty"`
}

// PullLog records one perimeter-device fetch for auditing.
type PullLog struct {
	ID             int64     `db:"id" json:"id"`
	DeviceIP       string    `db:"device_ip" json:"device_ip"`
	UserAgent      string    `db:"user_agent" json:"user_agent"`
	RequestPath    string    `db:"request_path" json:"request_path"`
	IPCount        int       `db:"ip_count" json:"ip_count"`
	ResponseTimeMS int64     `db:"response_time_ms" json:"response_time_ms"`
	ResponseStatus int       `db:"response_status" json:"response_status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Decision is the output of the hot read path.
type Decision struct {
	Blocked  bool                   `json:"blocked"`
	Reason   string                 `json:"reason"` // "whitelist", "not_in_blacklist", "error", or stored reason
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ParsedRecord is one row as extracted from an upstream page, before
// normalization. Fields the parser could not find stay zero.
type ParsedRecord struct {
	IPAddress     string                 `json:"ip_address"`
	Source        string                 `json:"source"`
	Country       string                 `json:"country,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Confidence    string                 `json:"confidence,omitempty"` // raw upstream token or integer text
	DetectionDate *time.Time             `json:"detection_date,omitempty"`
	RemovalDate   *time.Time             `json:"removal_date,omitempty"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

// NormalizedRecord is a ParsedRecord that passed validation and filtering
// and is ready for UPSERT.
type NormalizedRecord struct {
	IPAddress     string
	Source        string
	Country       string
	Reason        string
	Confidence    int
	DetectionDate *time.Time
	RemovalDate   *time.Time
	IsActive      bool
	RawPayload    json.RawMessage
}

// CollectRange bounds a collection sweep. Zero values mean "no date filter".
type CollectRange struct {
	StartDate string `json:"start_date,omitempty"` // YYYY-MM-DD
	EndDate   string `json:"end_date,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
}

// IngestItem is one record pushed by a remote agent.
type IngestItem struct {
	IPAddress   string                 `json:"ip_address"`
	ThreatType  string                 `json:"threat_type,omitempty"`
	Severity    string                 `json:"severity,omitempty"`
	Source      string                 `json:"source,omitempty"`
	CountryCode string                 `json:"country_code,omitempty"`
	FirstSeen   string                 `json:"first_seen,omitempty"`
	LastSeen    string                 `json:"last_seen,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// IngestRequest is the agent-to-central push envelope.
type IngestRequest struct {
	ServiceName    string       `json:"service_name"`
	Items          []IngestItem `json:"items"`
	CollectionDate string       `json:"collection_date,omitempty"`
}

// IngestStats summarizes one ingest call.
type IngestStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Errors   int `json:"errors"`
	Total    int `json:"total"`
}
