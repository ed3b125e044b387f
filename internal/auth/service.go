package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/config"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Permission string

const (
	PermRead    Permission = "read"
	PermControl Permission = "control"
	PermAdmin   Permission = "admin"
)

type Role string

const (
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOperator, RoleTechnician, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Permissions maps a role to what it may do. Operators only read;
// connect, disconnect and output writes need technician.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleAdmin:
		return []Permission{PermRead, PermControl, PermAdmin}
	case RoleTechnician:
		return []Permission{PermRead, PermControl}
	default:
		return []Permission{PermRead}
	}
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
	Machine bool   `json:"machine"`
}

type machineToken struct {
	name string
	hash string
	role Role
}

type AuthService struct {
	jwtHandler *JWTHandler
	hasher     *Hasher
	tokens     []machineToken
	verified   sync.Map // sha256(token) -> Principal
	logger     *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	tokens := make([]machineToken, 0, len(cfg.MachineTokens))
	for _, t := range cfg.MachineTokens {
		role, err := ParseRole(t.Role)
		if err != nil {
			return nil, fmt.Errorf("machine token %s: %w", t.Name, err)
		}
		if t.Hash == "" {
			return nil, fmt.Errorf("machine token %s: hash is required", t.Name)
		}
		tokens = append(tokens, machineToken{name: t.Name, hash: t.Hash, role: role})
	}

	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development fallback or shorter than 32 chars",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		hasher:     NewHasher(DefaultHashParams),
		tokens:     tokens,
		logger:     logger,
	}, nil
}

// IssueToken signs an access token.
func (a *AuthService) IssueToken(subject string, role Role) (string, error) {
	return a.jwtHandler.GenerateAccessToken(subject, role)
}

// Authenticate accepts a JWT access token or a configured machine token.
func (a *AuthService) Authenticate(token string) (*Principal, error) {
	// Try JWT first
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		role, err := ParseRole(claims.Role)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return &Principal{Subject: claims.Subject, Role: role}, nil
	}

	if !ValidateTokenFormat(token) {
		return nil, ErrInvalidToken
	}

	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if p, ok := a.verified.Load(key); ok {
		principal := p.(Principal)
		return &principal, nil
	}

	for _, t := range a.tokens {
		ok, err := a.hasher.Verify(token, t.hash)
		if err != nil {
			a.logger.Error("Machine token hash unreadable", zap.String("name", t.name), zap.Error(err))
			continue
		}
		if ok {
			principal := Principal{Subject: t.name, Role: t.role, Machine: true}
			a.verified.Store(key, principal)
			return &principal, nil
		}
	}

	a.logger.Warn("Rejected machine token")
	return nil, ErrInvalidToken
}
