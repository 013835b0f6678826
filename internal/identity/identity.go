// Package identity implements C1: per-peer signing keypairs, group-secret
// derivation, and the sign/verify/mac primitives the rest of the mesh relies
// on (spec §4.1).
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"

	"golang.org/x/crypto/hkdf"

	"syncshell-mesh/pkg/utils"
)

// MinSecretBytes is the minimum entropy (in bytes) a master secret must
// carry — spec requires >=128 bits.
const MinSecretBytes = 16

var nameRe = regexp.MustCompile(`^[A-Za-z0-9 _.\-]+$`)

// ValidateName enforces the group-name whitelist from spec §4.1.
func ValidateName(name string) error {
	if name == "" || !nameRe.MatchString(name) {
		return utils.New(utils.KindInvalidInput, "InvalidName")
	}
	return nil
}

// ValidateSecret enforces the minimum entropy requirement. It cannot verify
// actual entropy, only length, matching what spec §4.1 can constrain.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretBytes {
		return utils.New(utils.KindInvalidInput, "master secret too short")
	}
	return nil
}

// Group holds the derived identifiers for a syncshell.
type Group struct {
	ID  string // hex(SHA-256(name || master_secret))
	Key []byte // HKDF(master_secret, info=name), 32 bytes
}

// DeriveGroup implements derive_group(name, master_secret) from spec §4.1.
func DeriveGroup(name string, masterSecret []byte) (*Group, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateSecret(masterSecret); err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write(masterSecret)
	groupID := hex.EncodeToString(h.Sum(nil))

	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(name))
	key := make([]byte, 32)
	if _, err := kdf.Read(key); err != nil {
		return nil, utils.Wrapf(utils.KindFatal, err, "hkdf derive")
	}

	return &Group{ID: groupID, Key: key}, nil
}

// KeyPair is a peer's Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewKeyPair generates a fresh Ed25519 keypair.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, utils.Wrapf(utils.KindFatal, err, "generate keypair")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PeerID derives a stable identifier from a public key.
func PeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Sign signs bytes with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// MAC computes HMAC-SHA256 over data under key, truncated to n bytes, per
// spec §4.1. n is typically 8 (invite envelopes) or 4 (legacy short codes).
func MAC(key, data []byte, n int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	full := mac.Sum(nil)
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

// VerifyMAC compares a MAC tag in constant time.
func VerifyMAC(key, data, tag []byte) bool {
	want := MAC(key, data, len(tag))
	return subtle.ConstantTimeCompare(want, tag) == 1
}
