package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const (
	privateKeyFile = "ride-identity-key"
	publicKeyFile  = "ride-identity-key.pub"
)

// Identity is a participant's ed25519 keypair. The hex public key is
// the actor identity on the wire; the same keypair also backs the
// X25519 agreement used by the privacy handshake.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &Identity{public: public, private: private}, nil
}

// Load reads an identity from the state directory.
func Load(stateDir string) (*Identity, error) {
	privateBytes, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}
	publicBytes, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}
	return &Identity{public: ed25519.PublicKey(publicBytes), private: ed25519.PrivateKey(privateBytes)}, nil
}

// Save writes the identity to the state directory. The private key
// file has 0600 permissions; the public key file has 0644.
func (id *Identity) Save(stateDir string) error {
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), id.private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), id.public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadOrGenerate loads an existing identity from stateDir, generating
// and saving a new one if none exists. Returns whether it was newly
// generated.
func LoadOrGenerate(stateDir string) (*Identity, bool, error) {
	id, err := Load(stateDir)
	if err == nil {
		return id, false, nil
	}
	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil {
		// File exists but couldn't be loaded: corruption or bad size.
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(stateDir); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// PublicHex is the actor identity as it appears in event envelopes.
func (id *Identity) PublicHex() string { return hex.EncodeToString(id.public) }

// Sign signs data with the identity's ed25519 private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(id.private, data), nil
}

// SharedKey derives the X25519 shared secret with the holder of the
// given hex ed25519 public key. The local private scalar is the
// clamped SHA-512 of the ed25519 seed; the remote public key is
// mapped to its montgomery form. Both directions derive the same
// secret, which feeds the privacy handshake's HKDF.
func (id *Identity) SharedKey(remotePublicHex string) ([]byte, error) {
	remote, err := hex.DecodeString(remotePublicHex)
	if err != nil || len(remote) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("remote public key is not a %d-byte hex string", ed25519.PublicKeySize)
	}
	point, err := new(edwards25519.Point).SetBytes(remote)
	if err != nil {
		return nil, fmt.Errorf("remote public key is not a valid curve point: %w", err)
	}

	h := sha512.Sum512(id.private.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	secret, err := curve25519.X25519(scalar, point.BytesMontgomery())
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

// Verifier checks event signatures against hex-encoded ed25519 public
// keys. It is stateless; the zero value is ready to use.
type Verifier struct{}

func (Verifier) Verify(pubkeyHex string, data, sig []byte) bool {
	pub, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
