package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastHasher() *PasswordHasher {
	return NewPasswordHasherWithParams(Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
}

func newTestService(t *testing.T) (*AuthService, string) {
	t.Helper()
	t.Setenv("OMB_TEST_JWT", "a-test-secret-that-is-long-enough-for-hs256")

	hash, err := fastHasher().HashPassword("conveyor")
	require.NoError(t, err)

	token, tokenHash, err := NewMachineTokenGenerator().GenerateMachineToken()
	require.NoError(t, err)

	svc, err := NewAuthService(config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OMB_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Users: []config.UserConfig{
			{Username: "alice", PasswordHash: hash, Role: "technician"},
			{Username: "bob", PasswordHash: hash, Role: "operator"},
		},
		MachineTokens: []config.TokenConfig{
			{Name: "isaac-host", TokenHash: tokenHash, Permissions: []string{"operator"}},
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return svc, token
}

func TestPasswordHashRoundTrip(t *testing.T) {
	h := fastHasher()
	encoded, err := h.HashPassword("secret")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$")

	ok, err := h.VerifyPassword("secret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("Secret", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("secret", "plain")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyPassword("secret", "$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$a2V5")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestNeedsRehash(t *testing.T) {
	weak, err := fastHasher().HashPassword("secret")
	require.NoError(t, err)

	assert.True(t, NewPasswordHasher().NeedsRehash(weak))
	assert.False(t, fastHasher().NeedsRehash(weak))
	assert.True(t, fastHasher().NeedsRehash("garbage"))
}

func TestMachineTokenFormat(t *testing.T) {
	gen := NewMachineTokenGenerator()
	token, hash, err := gen.GenerateMachineToken()
	require.NoError(t, err)
	assert.Equal(t, gen.HashToken(token), hash)
	assert.True(t, gen.ValidateTokenFormat(token))

	id, ok := gen.TokenID(token)
	require.True(t, ok)
	assert.Contains(t, token, id.String())

	for _, bad := range []string{"", "omb_", "mt_" + token[4:], token[:len(token)-1], token[:len(token)-2] + "zz"} {
		assert.False(t, gen.ValidateTokenFormat(bad), bad)
	}
}

func TestLoginIssuesTokenWithRolePermissions(t *testing.T) {
	svc, _ := newTestService(t)

	token, expiresAt, err := svc.LoginUser(context.Background(), "alice", "conveyor", "127.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	perms, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Permission{PermOperator, PermTechnician}, perms)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.LoginUser(context.Background(), "alice", "wrong", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.LoginUser(context.Background(), "mallory", "conveyor", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMachineToken(t *testing.T) {
	svc, token := newTestService(t)

	perms, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermOperator}, perms)

	_, err = svc.ValidateMachineToken("omc_short")
	assert.Error(t, err)

	other, _, err := NewMachineTokenGenerator().GenerateMachineToken()
	require.NoError(t, err)
	_, err = svc.ValidateMachineToken(other)
	assert.Error(t, err)
}

func TestNewAuthServiceRejectsUnknownRole(t *testing.T) {
	_, err := NewAuthService(config.AuthConfig{
		Users: []config.UserConfig{{Username: "x", PasswordHash: "h", Role: "root"}},
	}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAuthService(config.AuthConfig{
		Users: []config.UserConfig{
			{Username: "x", PasswordHash: "h", Role: "admin"},
			{Username: "x", PasswordHash: "h", Role: "operator"},
		},
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)

	router := gin.New()
	router.Use(svc.AuthMiddleware())
	router.POST("/start", RequirePermission(PermTechnician), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	operator, _, err := svc.LoginUser(context.Background(), "bob", "conveyor", "")
	require.NoError(t, err)
	technician, _, err := svc.LoginUser(context.Background(), "alice", "conveyor", "")
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"operator lacks permission", "Bearer " + operator, http.StatusForbidden},
		{"technician allowed", "Bearer " + technician, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/start", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
