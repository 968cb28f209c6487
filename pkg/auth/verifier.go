package auth

// Principal is the authenticated subject derived from a verified bearer
// token. It is immutable for the life of the connection it authorizes.
type Principal struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// IsSpectator reports whether the principal is rail-only.
func (p Principal) IsSpectator() bool {
	return p.Role == RoleSpectator
}

// Verifier checks a bearer token and yields the principal it carries.
// Implementations must treat the token's role as authoritative.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// JWTVerifier verifies HMAC-signed session tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify implements Verifier. A token without an explicit role yields a
// player principal.
func (v *JWTVerifier) Verify(token string) (*Principal, error) {
	claims, err := ValidateJWT(token, v.secret)
	if err != nil {
		return nil, err
	}

	role := claims.Role
	if role == "" {
		role = RolePlayer
	}

	return &Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
	}, nil
}
