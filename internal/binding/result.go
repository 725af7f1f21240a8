package binding

import "time"

// Protocol failure codes.
const (
	CodeSuspiciousFingerprint = "SUSPICIOUS_FINGERPRINT"
	CodeInvalidFingerprint    = "INVALID_FINGERPRINT"
	CodeLocationNotFound      = "LOCATION_NOT_FOUND"
	CodeLocationInactive      = "LOCATION_INACTIVE"
	CodeLicenseNotFound       = "LICENSE_NOT_FOUND"
	CodeLicenseInvalid        = "LICENSE_INVALID"
	CodeLicenseExpired        = "LICENSE_EXPIRED"
	CodeLicenseAlreadyBound   = "LICENSE_ALREADY_BOUND"
	CodeDeviceAlreadyBound    = "DEVICE_ALREADY_BOUND"
	CodeDeviceNotAllowed      = "DEVICE_NOT_ALLOWED"
	CodeInvalidActivationCode = "INVALID_ACTIVATION_CODE"
	CodeDeviceMismatch        = "DEVICE_MISMATCH"
)

// Actions a device is asked to take after a failed validate or heartbeat.
const (
	ActionRenew         = "renew"
	ActionContactAdmin  = "contact_admin"
	ActionReactivate    = "reactivate"
	ActionStopOperation = "stop_operation"
	ActionRenewLicense  = "renew_license"
)

// Failure is a protocol-level rejection. It is a normal result, not an
// error: the device receives it as a structured response.
type Failure struct {
	Code    string
	Message string
	Details any
	Action  string
}

func fail(code, msg string) *Failure {
	return &Failure{Code: code, Message: msg}
}

func (f *Failure) withAction(action string) *Failure {
	f.Action = action
	return f
}

func (f *Failure) withDetails(details any) *Failure {
	f.Details = details
	return f
}

// DeviceInfo is the device section of protocol responses.
type DeviceInfo struct {
	ID          string `json:"id"`
	Fingerprint string `json:"device_fingerprint"`
	Name        string `json:"device_name,omitempty"`
}

// LicenseInfo is the license section of protocol responses.
type LicenseInfo struct {
	ID            string     `json:"id"`
	Key           string     `json:"license_key"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	ExpiryDate    *time.Time `json:"expiry_date"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
	InGrace       *bool      `json:"is_in_grace_period,omitempty"`
}

// OwnerInfo names the client or branch a license belongs to.
type OwnerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LocationInfo describes the physical location a binding is attached to.
type LocationInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Active  bool   `json:"active"`
}

// Activation is the result of a successful activation.
type Activation struct {
	BindingID      string
	ActivationCode string
	DeviceToken    string
	TokenExpiresAt time.Time
	// Reactivated is true when an existing binding was returned unchanged.
	Reactivated bool
	Device      DeviceInfo
	License     LicenseInfo
	Client      OwnerInfo
	Branch      OwnerInfo
	Location    *LocationInfo
}

// Validation is the result of a successful startup validation.
type Validation struct {
	License  LicenseInfo
	Device   DeviceInfo
	Client   OwnerInfo
	Branch   OwnerInfo
	Location *LocationInfo
}

// LicenseStatus summarises license health for a heartbeat.
type LicenseStatus struct {
	IsValid       bool `json:"is_valid"`
	IsExpired     bool `json:"is_expired"`
	InGrace       bool `json:"is_in_grace_period"`
	DaysRemaining *int `json:"days_remaining"`
}

// Heartbeat is the result of a successful heartbeat.
type Heartbeat struct {
	NextHeartbeat  time.Duration
	Status         LicenseStatus
	Warnings       []string
	HeartbeatCount int
}
