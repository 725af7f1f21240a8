package models

import "time"

// License types.
const (
	LicenseTypeTrial     = "trial"
	LicenseTypeAnnual    = "annual"
	LicenseTypePerpetual = "perpetual"
)

// License statuses. Only pending, active and revoked are ever stored;
// expired and grace_period are computed from the expiry date.
const (
	LicenseStatusPending     = "pending"
	LicenseStatusActive      = "active"
	LicenseStatusExpired     = "expired"
	LicenseStatusGracePeriod = "grace_period"
	LicenseStatusRevoked     = "revoked"
)

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Client owns one or more branches.
type Client struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Branch is a client site that licenses are issued for.
type Branch struct {
	ID        string
	ClientID  string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Location is a physical kiosk placement a binding may be attached to.
type Location struct {
	ID        string
	Name      string
	Address   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// License is a right to run the kiosk software at one branch.
type License struct {
	ID               string
	LicenseKey       string
	Type             string
	Status           string
	IssuedDate       time.Time
	ExpiryDate       *time.Time // nil for perpetual
	MaxDevices       int
	FirstActivatedAt *time.Time
	LastValidatedAt  *time.Time
	RevokedAt        *time.Time
	RevokedReason    string
	RevokedBy        string
	ClientID         string
	BranchID         string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Device is a physical unit identified by its hardware fingerprint.
type Device struct {
	ID                string
	Fingerprint       string
	Name              string
	AndroidID         string
	BuildBoard        string
	BuildBrand        string
	BuildModel        string
	BuildManufacturer string
	OSVersion         string
	MACAddressHash    string
	AppSignatureHash  string
	IsRooted          bool
	IsEmulator        bool
	IsBlacklisted     bool
	BlacklistReason   string
	BlacklistedAt     *time.Time
	TotalActivations  int
	FailedActivations int
	LastIPAddress     string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// Binding ties a license to the device it currently authorizes.
type Binding struct {
	ID                 string
	LicenseID          string
	DeviceID           string
	LocationID         string
	LocationName       string
	IsActive           bool
	ActivatedAt        time.Time
	DeactivatedAt      *time.Time
	DeactivationReason string
	ActivationCode     string
	DeviceToken        string
	TokenExpiresAt     time.Time
	HeartbeatCount     int
	MissedHeartbeats   int
	LastHeartbeatAt    *time.Time
	ActivationIP       string
	LastSeenIP         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuditLogEntry is an immutable record of a security or lifecycle event.
type AuditLogEntry struct {
	ID         string
	EventType  string
	Severity   string
	Message    string
	LicenseID  string
	DeviceID   string
	EventData  string // JSON
	IPAddress  string
	UserAgent  string
	AdminEmail string
	CreatedAt  time.Time
}

// BlacklistEntry denies activation to a fingerprint.
type BlacklistEntry struct {
	ID             string
	Fingerprint    string
	Reason         string
	BlockedBy      string
	DeviceInfo     string // JSON
	LastSeenIP     string
	ViolationCount int
	IsPermanent    bool
	UnblockAfter   *time.Time
	BlockedAt      time.Time
}
