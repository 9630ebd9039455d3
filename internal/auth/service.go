package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// userNamespace derives stable user ids from usernames.
var userNamespace = uuid.MustParse("6f1c2a7e-0d5b-4c1e-9a43-2b8e5f7d9c10")

type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Role         string
}

type machineToken struct {
	name        string
	permissions []Permission
}

// AuthService authenticates operators configured in the service config and
// machine tokens for non-interactive clients.
type AuthService struct {
	users           map[string]User
	machineTokens   map[string]machineToken
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	logger          *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	a := &AuthService{
		users:           make(map[string]User, len(cfg.Users)),
		machineTokens:   make(map[string]machineToken, len(cfg.MachineTokens)),
		jwtHandler:      NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher:  NewPasswordHasher(),
		machineTokenGen: NewMachineTokenGenerator(),
		logger:          logger,
	}

	for _, u := range cfg.Users {
		if !validRole(u.Role) {
			return nil, fmt.Errorf("user %s: unknown role %q", u.Username, u.Role)
		}
		if _, dup := a.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.Username)
		}
		a.users[u.Username] = User{
			ID:           uuid.NewSHA1(userNamespace, []byte(u.Username)),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
		}
	}

	for _, t := range cfg.MachineTokens {
		perms := make([]Permission, 0, len(t.Permissions))
		for _, p := range t.Permissions {
			if !validRole(p) {
				return nil, fmt.Errorf("machine token %s: unknown permission %q", t.Name, p)
			}
			perms = append(perms, Permission(p))
		}
		a.machineTokens[t.TokenHash] = machineToken{name: t.Name, permissions: perms}
	}

	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short")
	}
	return a, nil
}

func validRole(role string) bool {
	switch Permission(role) {
	case PermOperator, PermTechnician, PermAdmin:
		return true
	}
	return false
}

// LoginUser authenticates a user and returns an access token
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress string) (string, time.Time, error) {
	user, ok := a.users[username]
	if !ok {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "user not found"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"), zap.Error(err))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if a.passwordHasher.NeedsRehash(user.PasswordHash) {
		a.logger.Warn("Password hash uses weaker argon2 settings than the default, regenerate it with bridgectl hash-password",
			zap.String("username", username))
	}

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("User logged in", zap.String("username", username), zap.String("role", user.Role))
	return token, expiresAt, nil
}

// ValidateMachineToken validates a machine token and returns permissions
func (a *AuthService) ValidateMachineToken(token string) ([]Permission, error) {
	if !a.machineTokenGen.ValidateTokenFormat(token) {
		return nil, fmt.Errorf("invalid token format")
	}

	mt, ok := a.machineTokens[a.machineTokenGen.HashToken(token)]
	if !ok {
		id, _ := a.machineTokenGen.TokenID(token)
		a.logger.Warn("Unknown machine token", zap.String("token_id", id.String()))
		return nil, fmt.Errorf("invalid token")
	}

	a.logger.Debug("Machine token accepted", zap.String("name", mt.name))
	return mt.permissions, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(token string) ([]Permission, error) {
	// Try JWT first
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return roleToPermissions(claims.Role), nil
	}

	// Try Machine Token
	return a.ValidateMachineToken(token)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}
