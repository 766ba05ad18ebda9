package privacy

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/example/ride-protocol/internal/models"
)

// KeyAgreement supplies the pairwise shared secret for a counterparty.
// Production code uses the X25519 derivation on the local identity in
// internal/keys; tests inject fixed secrets.
type KeyAgreement interface {
	SharedKey(remotePublicHex string) ([]byte, error)
}

// ErrDecrypt is returned for any undecryptable pickup: wrong key,
// tampered ciphertext, truncation. Callers treat it as "precise
// location unavailable" and proceed on coarse data.
var ErrDecrypt = errors.New("precise location unavailable")

// boxVersion is prepended to every ciphertext and bound as AAD, so
// tampering with it fails authentication.
const boxVersion byte = 0x01

// hkdfInfo domain-separates the pickup box from any other use of the
// same pairwise secret. Changing it invalidates all ciphertext.
var hkdfInfo = []byte("ride.pickup.box.v1")

// boxOverhead is the byte overhead per ciphertext:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const boxOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Box seals precise pickup locations to a single counterparty. The
// only field in the whole protocol that is ever encrypted.
type Box struct {
	agreement KeyAgreement
}

func NewBox(agreement KeyAgreement) *Box {
	return &Box{agreement: agreement}
}

// EncryptFor seals a precise location to the recipient. The result is
// base64 for embedding in a JSON body.
func (b *Box) EncryptFor(recipientKey string, loc models.PreciseLocation) (string, error) {
	aead, err := b.aeadFor(recipientKey)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(loc)
	if err != nil {
		return "", fmt.Errorf("encoding precise location: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, len(plaintext)+boxOverhead)
	out[0] = boxVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out = aead.Seal(out, nonce, plaintext, []byte{boxVersion})
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptFrom opens a pickup sealed by senderKey. Any failure is
// ErrDecrypt; the ride proceeds on coarse data only.
func (b *Box) DecryptFrom(senderKey string, ciphertext string) (*models.PreciseLocation, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < boxOverhead || raw[0] != boxVersion {
		return nil, ErrDecrypt
	}
	aead, err := b.aeadFor(senderKey)
	if err != nil {
		return nil, ErrDecrypt
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], []byte{boxVersion})
	if err != nil {
		return nil, ErrDecrypt
	}
	var loc models.PreciseLocation
	if err := json.Unmarshal(plaintext, &loc); err != nil {
		return nil, ErrDecrypt
	}
	return &loc, nil
}

func (b *Box) aeadFor(counterpartyKey string) (cipher.AEAD, error) {
	secret, err := b.agreement.SharedKey(counterpartyKey)
	if err != nil {
		return nil, fmt.Errorf("deriving shared key: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
