package testutil

import (
	"time"

	"cardroom/railbird/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

// GenerateValidJWT generates a valid session token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID, username, role string) (string, error) {
	return auth.GenerateJWT(userID, username, role, h.Secret)
}

// GenerateExpiredJWT generates an expired session token for testing
func (h *JWTTestHelper) GenerateExpiredJWT(userID, username, role string) (string, error) {
	claims := &auth.Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)), // Expired 1 hour ago
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)), // Issued 2 hours ago
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateJWTWithCustomExpiry generates a session token with custom expiry time
func (h *JWTTestHelper) GenerateJWTWithCustomExpiry(userID, username, role string, expiresAt time.Time) (string, error) {
	claims := &auth.Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateMalformedJWT generates a malformed token for testing error scenarios
func (h *JWTTestHelper) GenerateMalformedJWT() string {
	return "invalid.jwt.token.format"
}

// GenerateJWTWithWrongSecret generates a token signed with the wrong secret
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID, username, role string) (string, error) {
	wrongSecret := []byte("wrong-secret")
	return auth.GenerateJWT(userID, username, role, wrongSecret)
}

// GenerateJWTWithNoneAlgorithm generates a token with "none" algorithm (security vulnerability test)
func (h *JWTTestHelper) GenerateJWTWithNoneAlgorithm(userID, username, role string) (string, error) {
	claims := &auth.Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// ValidateJWT validates a token using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}

// TestUser represents a test identity for session token generation
type TestUser struct {
	UserID   string
	Username string
	Role     string
}

// DefaultTestUser returns a default seated player
func DefaultTestUser() TestUser {
	return TestUser{
		UserID:   "test-player-123",
		Username: "testplayer",
		Role:     auth.RolePlayer,
	}
}

// SpectatorTestUser returns a rail spectator
func SpectatorTestUser() TestUser {
	return TestUser{
		UserID:   "test-viewer-456",
		Username: "railwatcher",
		Role:     auth.RoleSpectator,
	}
}

// AdminTestUser returns a floor admin
func AdminTestUser() TestUser {
	return TestUser{
		UserID:   "admin-user-999",
		Username: "floorman",
		Role:     auth.RoleAdmin,
	}
}

// GenerateJWT generates a session token for the test user
func (u TestUser) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(u.UserID, u.Username, u.Role)
}

// GenerateExpiredJWT generates an expired session token for the test user
func (u TestUser) GenerateExpiredJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateExpiredJWT(u.UserID, u.Username, u.Role)
}

// Test identities for multi-seat table scenarios
var (
	TestPlayerAlice = TestUser{
		UserID:   "player-alice",
		Username: "alice",
		Role:     auth.RolePlayer,
	}

	TestPlayerBob = TestUser{
		UserID:   "player-bob",
		Username: "bob",
		Role:     auth.RolePlayer,
	}

	TestFloorAdmin = TestUser{
		UserID:   "floor-admin",
		Username: "thefloor",
		Role:     auth.RoleAdmin,
	}
)
