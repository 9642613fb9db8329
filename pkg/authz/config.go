package authz

import (
	"fmt"
	"os"
	"strings"
)

// AuthzMode selects how identities are established and checked.
type AuthzMode string

const (
	// AuthzModeNone trusts X-Remote-User and X-User-Role and skips
	// permission checks. Development only.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeHeader trusts the identity headers set by an upstream proxy
	// and enforces the role matrix.
	AuthzModeHeader AuthzMode = "header"
	// AuthzModeJWT requires a bearer token and enforces the role matrix.
	AuthzModeJWT AuthzMode = "jwt"
)

// AuthzConfig holds identity and authorization settings.
type AuthzConfig struct {
	Mode          AuthzMode
	HS256Secret   string
	PublicKeyFile string
	Issuer        string
}

// DefaultAuthzConfig returns the development configuration.
func DefaultAuthzConfig() *AuthzConfig {
	return &AuthzConfig{Mode: AuthzModeNone}
}

// AuthzConfigFromEnv reads PLAYBOOK_AUTH_MODE, PLAYBOOK_JWT_HS256_SECRET,
// PLAYBOOK_JWT_PUBLIC_KEY_FILE and PLAYBOOK_JWT_ISSUER.
func AuthzConfigFromEnv() *AuthzConfig {
	cfg := DefaultAuthzConfig()
	switch AuthzMode(strings.ToLower(strings.TrimSpace(os.Getenv("PLAYBOOK_AUTH_MODE")))) {
	case AuthzModeHeader:
		cfg.Mode = AuthzModeHeader
	case AuthzModeJWT:
		cfg.Mode = AuthzModeJWT
	}
	cfg.HS256Secret = os.Getenv("PLAYBOOK_JWT_HS256_SECRET")
	cfg.PublicKeyFile = os.Getenv("PLAYBOOK_JWT_PUBLIC_KEY_FILE")
	cfg.Issuer = os.Getenv("PLAYBOOK_JWT_ISSUER")
	return cfg
}

// Validate reports settings that cannot work together.
func (c *AuthzConfig) Validate() error {
	if c.Mode == AuthzModeJWT && c.HS256Secret == "" && c.PublicKeyFile == "" {
		return fmt.Errorf("jwt auth mode requires PLAYBOOK_JWT_HS256_SECRET or PLAYBOOK_JWT_PUBLIC_KEY_FILE")
	}
	return nil
}

// NewAuthorizer returns the Authorizer for the configured mode.
func NewAuthorizer(cfg *AuthzConfig) Authorizer {
	if cfg == nil || cfg.Mode == AuthzModeNone {
		return &NoopAuthorizer{}
	}
	return NewRoleAuthorizer()
}
