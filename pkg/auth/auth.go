// Package auth issues and verifies the bearer tokens the HTTP surface
// (C8) uses for POST /api/requests, POST /api/delivery/confirm, and the
// login flow at POST /api/auth/login (spec.md §6).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken covers every token verification failure: bad
// signature, expired, malformed claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrBadSignature is returned by VerifyLoginSignature when the
// recovered address doesn't match the claimed one.
var ErrBadSignature = errors.New("auth: signature does not match claimed address")

const defaultSkew = 60 * time.Second

// Claims is the bearer token payload (spec.md §6: "subject=address,
// verified, device_id, expires_at").
type Claims struct {
	jwt.RegisteredClaims
	Verified bool   `json:"verified"`
	DeviceID string `json:"device_id,omitempty"`
}

// Issuer signs and verifies bearer tokens with a shared HMAC secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

// NewIssuer builds an Issuer. lifetime defaults to 24h if zero.
func NewIssuer(secret string, lifetime time.Duration) *Issuer {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), lifetime: lifetime}
}

// Issue mints a signed token for address. verified reflects the
// ledger's identity-verification state at issuance time — the server
// must still re-check the ledger before gating any write, per the
// resolved Open Question that this flag is a UX hint, not an
// authorization decision (SPEC_FULL.md §9).
func (i *Issuer) Issue(address string, verified bool, deviceID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.lifetime)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Verified: verified,
		DeviceID: deviceID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates tokenString, applying a 60s clock-skew
// tolerance on expiry (spec.md §6).
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithLeeway(defaultSkew))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyLoginSignature checks that signature over message was produced
// by the private key corresponding to claimedAddress, the POST
// /api/auth/login contract (spec.md §6).
func VerifyLoginSignature(claimedAddress, message string, signature []byte) error {
	if len(signature) != 65 {
		return ErrBadSignature
	}
	// go-ethereum's recovery expects v in {0,1}; wallets commonly send 27/28.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	hash := crypto.Keccak256Hash([]byte(signedMessagePrefix(message) + message))
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return ErrBadSignature
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !addressesEqual(recovered, claimedAddress) {
		return ErrBadSignature
	}
	return nil
}

func addressesEqual(a common.Address, claimed string) bool {
	return a == common.HexToAddress(claimed)
}

func signedMessagePrefix(message string) string {
	return fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
}
