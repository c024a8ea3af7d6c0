package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "empathy-ledger"

var errMalformed = errors.New("malformed token")

// claims is the signed body of an embed token.
type claims struct {
	jwt.RegisteredClaims
}

// signer mints and parses HS256 embed tokens.
type signer struct {
	key    []byte
	parser *jwt.Parser
}

func newSigner(key []byte) *signer {
	return &signer{
		key: key,
		// Time-based claims are checked by the service against its own clock.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// sign produces the token string. The same inputs always produce the same
// string, which lets an existing token be handed out again.
func (s *signer) sign(id, storyID, siteID string, issuedAt, expiresAt time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   storyID,
			Audience:  jwt.ClaimStrings{siteID},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        id,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse verifies the signature and claim shape. It does not check expiry.
func (s *signer) parse(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errMalformed
	}
	parsed, err := s.parser.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, errMalformed
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, errMalformed
	}
	if c.Issuer != issuer || c.ID == "" || c.Subject == "" || len(c.Audience) != 1 ||
		c.ExpiresAt == nil || c.IssuedAt == nil {
		return nil, errMalformed
	}
	return c, nil
}

// HashToken returns the hex SHA-256 of a token string, the only form stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
