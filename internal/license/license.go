package license

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Type is the ordered license tier.
type Type string

const (
	TypeTrial      Type = "trial"
	TypeStandard   Type = "standard"
	TypeEnterprise Type = "enterprise"
)

// Rank returns the position of the tier in the trial < standard < enterprise
// ordering. Unknown tiers rank below trial so they never satisfy a tier gate.
func (t Type) Rank() int {
	switch t {
	case TypeTrial:
		return 0
	case TypeStandard:
		return 1
	case TypeEnterprise:
		return 2
	default:
		return -1
	}
}

// Valid reports whether t is a known tier.
func (t Type) Valid() bool {
	return t.Rank() >= 0
}

// License status values. Revoked is terminal; expired licenses can be
// reissued but never reactivated once flagged.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Activation status values.
const (
	ActivationActive   = "active"
	ActivationInactive = "inactive"
)

// Feature names granted by the tier default tables.
const (
	FeatureBasicCalls        = "basic_calls"
	FeatureBasicAnalytics    = "basic_analytics"
	FeatureAdvancedAnalytics = "advanced_analytics"
	FeatureCallRecording     = "call_recording"
	FeatureBasicPipelines    = "basic_pipelines"
	FeatureAdvancedPipelines = "advanced_pipelines"
	FeatureIntegrations      = "integrations"
	FeatureCustomBranding    = "custom_branding"
	FeaturePrioritySupport   = "priority_support"
)

// License is a record authorizing use of the product under a tier, with
// usage limits and an optional expiry. The raw key is only populated on the
// creation response; persistence keeps the HMAC hash.
type License struct {
	ID               string      `gorm:"primary_key;type:varchar(36)" json:"id"`
	Key              string      `gorm:"-" json:"license_key,omitempty"`
	KeyHash          string      `gorm:"column:license_key_hash;unique_index;not null" json:"-"`
	Status           string      `gorm:"not null;default:'pending'" json:"status"`
	Type             Type        `gorm:"not null;default:'trial'" json:"type"`
	MaxAgents        int         `gorm:"not null;default:2" json:"max_agents"`
	MaxCallsPerMonth int         `gorm:"not null;default:100" json:"max_calls_per_month"`
	Features         FeatureList `gorm:"type:text" json:"features"`
	IssuedAt         time.Time   `json:"issued_at"`
	ExpiresAt        *time.Time  `json:"expires_at"`
	ActivatedAt      *time.Time  `json:"activated_at"`
	ActivationCount  int         `gorm:"not null;default:0" json:"activation_count"`
	MaxActivations   int         `gorm:"not null;default:3" json:"max_activations"`
	CompanyName      string      `json:"company_name,omitempty"`
	ContactEmail     string      `json:"contact_email,omitempty"`
	Metadata         Metadata    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// TableName keeps the table name explicit rather than gorm's pluralization.
func (License) TableName() string { return "licenses" }

// Expired reports whether the license's expiry date has passed. Licenses
// without an expiry never expire.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// HasFeature reports whether the license grants the named feature.
func (l *License) HasFeature(name string) bool {
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Sanitized returns a copy safe to return from validate/activate responses:
// no raw key, no hash, no metadata.
func (l *License) Sanitized() *License {
	c := *l
	c.Key = ""
	c.KeyHash = ""
	c.Metadata = nil
	return &c
}

// Activation binds a license to one machine fingerprint. The
// (license_id, machine_fingerprint) pair is unique: re-activation on the
// same machine refreshes the heartbeat instead of inserting a new row.
type Activation struct {
	ID                 string    `gorm:"primary_key;type:varchar(36)" json:"id"`
	LicenseID          string    `gorm:"not null;unique_index:idx_license_machine" json:"license_id"`
	MachineFingerprint string    `gorm:"not null;unique_index:idx_license_machine" json:"machine_fingerprint"`
	ActivationIP       string    `json:"activation_ip"`
	UserAgent          string    `json:"user_agent"`
	ActivatedAt        time.Time `json:"activated_at"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	Status             string    `gorm:"not null;default:'active'" json:"status"`
}

// TableName keeps the table name explicit.
func (Activation) TableName() string { return "license_activations" }

// FeatureList stores a feature set as a JSON array in a text column. Scan
// also accepts a doubly encoded value (a JSON string containing a JSON
// array), which older storage paths produced, so responses always normalize
// to a plain array.
type FeatureList []string

// Value implements driver.Valuer.
func (f FeatureList) Value() (driver.Value, error) {
	if f == nil {
		f = FeatureList{}
	}
	b, err := json.Marshal([]string(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (f *FeatureList) Scan(src interface{}) error {
	if src == nil {
		*f = FeatureList{}
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into FeatureList", src)
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		*f = list
		return nil
	}

	// Serialized-string storage path: the column holds a JSON string whose
	// content is itself a JSON array.
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &list); err == nil {
			*f = list
			return nil
		}
	}

	return fmt.Errorf("malformed feature list: %q", string(raw))
}

// Metadata is free-form license metadata stored as a JSON object.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		m = Metadata{}
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}

	return json.Unmarshal(raw, (*map[string]interface{})(m))
}
