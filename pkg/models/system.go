// Package models defines the hub's persistent data model.
package models

import "time"

// AppMode is the bootstrap state of the deployment.
type AppMode string

// App modes. Transitions are monotone: UNCONFIGURED→LOCAL, UNCONFIGURED→WORKOS,
// LOCAL→WORKOS. There is no way back.
const (
	ModeUnconfigured AppMode = "UNCONFIGURED"
	ModeLocal        AppMode = "LOCAL"
	ModeWorkOS       AppMode = "WORKOS"
)

// CanTransition reports whether moving from m to target is permitted.
func (m AppMode) CanTransition(target AppMode) bool {
	switch m {
	case ModeUnconfigured:
		return target == ModeLocal || target == ModeWorkOS
	case ModeLocal:
		return target == ModeWorkOS
	default:
		return false
	}
}

// SystemConfig is the singleton bootstrap row. Exactly one exists per
// deployment; it is created on first boot and mutated only by the setup and
// upgrade endpoints.
type SystemConfig struct {
	AppMode        AppMode   `json:"app_mode"`
	EncryptionSalt []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Setting is one system key/value entry. Encrypted entries hold ciphertext in
// Value; only the config store materializes plaintext.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"-"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// System setting keys used by the core.
const (
	SettingLocalAdminEmail    = "local_admin_email"
	SettingWorkOSClientID     = "workos_client_id"
	SettingWorkOSAPIKey       = "workos_api_key"
	SettingWorkOSDomain       = "workos_authkit_domain"
	SettingWorkOSSuperAdmins  = "workos_super_admins"
	SettingCookieAuthKey      = "cookie_auth_key"
	SettingBindHost           = "bind_host"
	SettingBindPort           = "bind_port"
	SettingDatabasePath       = "database_path"
	SettingHubBaseURL         = "hub_base_url"
	SettingChildCallTimeout   = "child_call_timeout_seconds"
)
