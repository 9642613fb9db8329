package authz

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// Claims is the JWT payload accepted by the API. Projects maps a project ID
// to a role name; Role applies to every other project.
type Claims struct {
	Role     string            `json:"role,omitempty"`
	Projects map[string]string `json:"projects,omitempty"`
	Groups   []string          `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates bearer tokens and turns their claims into an
// Identity.
type TokenVerifier struct {
	key     any
	methods []string
	issuer  string
}

// NewHS256Verifier verifies tokens signed with a shared secret.
func NewHS256Verifier(secret []byte, issuer string) *TokenVerifier {
	return &TokenVerifier{key: secret, methods: []string{jwt.SigningMethodHS256.Alg()}, issuer: issuer}
}

// NewRS256Verifier verifies tokens against a PEM encoded RSA public key.
func NewRS256Verifier(publicKeyPEM []byte, issuer string) (*TokenVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &TokenVerifier{key: key, methods: []string{jwt.SigningMethodRS256.Alg()}, issuer: issuer}, nil
}

// NewTokenVerifier builds the verifier for cfg, or nil when cfg does not use
// JWT mode. A configured public key wins over a shared secret.
func NewTokenVerifier(cfg *AuthzConfig) (*TokenVerifier, error) {
	if cfg == nil || cfg.Mode != AuthzModeJWT {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		return NewRS256Verifier(pem, cfg.Issuer)
	}
	return NewHS256Verifier([]byte(cfg.HS256Secret), cfg.Issuer), nil
}

// Verify parses and validates raw and returns the identity it carries.
func (v *TokenVerifier) Verify(raw string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errors.New("verify token: missing subject")
	}

	id := Identity{
		User:   claims.Subject,
		Groups: claims.Groups,
		Role:   playbook.ParseRole(claims.Role),
	}
	if len(claims.Projects) > 0 {
		id.Projects = make(map[string]playbook.Role, len(claims.Projects))
		for project, role := range claims.Projects {
			id.Projects[project] = playbook.ParseRole(role)
		}
	}
	return id, nil
}
