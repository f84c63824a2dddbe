package auth

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	issuer := NewIssuer("super-secret-test-key", time.Hour)

	token, expiresAt, err := issuer.Issue("0xAbC0000000000000000000000000000000dEaD", true, "device-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatalf("expiresAt is in the past")
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "0xAbC0000000000000000000000000000000dEaD" {
		t.Fatalf("Subject = %q, unexpected", claims.Subject)
	}
	if !claims.Verified {
		t.Fatalf("expected Verified=true to be carried through")
	}
	if claims.DeviceID != "device-1" {
		t.Fatalf("DeviceID = %q, want device-1", claims.DeviceID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer("secret-a", time.Hour)
	token, _, err := issuer.Issue("0xAAA", false, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other := NewIssuer("secret-b", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("expected Verify() to reject a token signed with a different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("secret", -time.Hour)
	token, _, err := issuer.Issue("0xAAA", false, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Fatalf("expected Verify() to reject an already-expired token")
	}
}

func TestVerifyLoginSignatureAcceptsGenuineSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := "login to aidchain at nonce 12345"

	hash := crypto.Keccak256Hash([]byte(signedMessagePrefix(message) + message))
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := VerifyLoginSignature(address, message, sig); err != nil {
		t.Fatalf("VerifyLoginSignature() error = %v, want nil for a genuine signature", err)
	}
}

func TestVerifyLoginSignatureRejectsMismatchedAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	message := "login to aidchain at nonce 12345"
	hash := crypto.Keccak256Hash([]byte(signedMessagePrefix(message) + message))
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	otherKey, _ := crypto.GenerateKey()
	claimedAddress := crypto.PubkeyToAddress(otherKey.PublicKey).Hex()

	if err := VerifyLoginSignature(claimedAddress, message, sig); err != ErrBadSignature {
		t.Fatalf("VerifyLoginSignature() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyLoginSignatureRejectsWrongLength(t *testing.T) {
	if err := VerifyLoginSignature("0xAAA", "msg", []byte{1, 2, 3}); err != ErrBadSignature {
		t.Fatalf("VerifyLoginSignature() error = %v, want ErrBadSignature", err)
	}
}
