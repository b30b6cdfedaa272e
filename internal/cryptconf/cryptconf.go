// Package cryptconf derives, from a single 32-byte master key, the subkeys
// used by the blob, index, and manifest layers, and provides the keyed
// primitives (AES-256-GCM, HMAC-SHA-256) that back signed and encrypted
// blobs and manifests (spec.md §4.7).
package cryptconf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// MasterKeySize is the size in bytes of the master key from which all
// subkeys are derived.
const MasterKeySize = 32

// FingerprintSize is the length, in bytes, of a truncated key fingerprint.
const FingerprintSize = 8

// IVSize is the width of the IV slot in an encrypted blob header; AES-GCM
// itself uses a 96-bit (12-byte) nonce, right-padded into the 16-byte slot.
const IVSize = 16

// GCMNonceSize is the actual nonce length passed to AES-GCM.
const GCMNonceSize = 12

// TagSize is the width of the GCM authentication tag slot.
const TagSize = 16

var (
	ErrWrongKeySize  = errors.New("cryptconf: master key must be 32 bytes")
	ErrDecryptFailed = errors.New("cryptconf: decryption/authentication failed")
)

// Subkey derivation info tags (spec.md §4.7).
const (
	infoEncrypt       = "enc"
	infoSignChunk     = "sign-chunk"
	infoSignIndex     = "sign-index"
	infoSignManifest  = "sign-manifest"
	fingerprintDomain = "fingerprint"
)

// Config holds a master key and its derived subkeys. It is immutable after
// construction; all methods are safe for concurrent use.
type Config struct {
	masterKey      [MasterKeySize]byte
	encKey         [32]byte
	signChunkKey   [32]byte
	signIndexKey   [32]byte
	signManifestKey [32]byte
	fingerprint    [FingerprintSize]byte
}

// New derives a Config from a 32-byte master key.
func New(masterKey []byte) (*Config, error) {
	if len(masterKey) != MasterKeySize {
		return nil, ErrWrongKeySize
	}
	c := &Config{}
	copy(c.masterKey[:], masterKey)

	if err := derive(c.masterKey[:], infoEncrypt, c.encKey[:]); err != nil {
		return nil, err
	}
	if err := derive(c.masterKey[:], infoSignChunk, c.signChunkKey[:]); err != nil {
		return nil, err
	}
	if err := derive(c.masterKey[:], infoSignIndex, c.signIndexKey[:]); err != nil {
		return nil, err
	}
	if err := derive(c.masterKey[:], infoSignManifest, c.signManifestKey[:]); err != nil {
		return nil, err
	}

	var fp [32]byte
	if err := derive(c.masterKey[:], fingerprintDomain, fp[:]); err != nil {
		return nil, err
	}
	copy(c.fingerprint[:], fp[:FingerprintSize])

	return c, nil
}

// derive runs HKDF-SHA256 over masterKey with the given per-purpose info tag
// and fills out with derived key material.
func derive(masterKey []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}

// DeriveMasterKey derives a 32-byte master key from a passphrase using
// scrypt, mirroring original_source's KeyDerivationConfig::Scrypt (n, r, p
// tunable for test-vector compatibility; production callers should use
// scrypt's recommended defaults, n=1<<17 or higher).
func DeriveMasterKey(passphrase []byte, salt []byte, n, r, p int) ([]byte, error) {
	return scrypt.Key(passphrase, salt, n, r, p, MasterKeySize)
}

// Fingerprint returns the stable identifier of this key, used to associate
// manifests and chunks with the key that produced them (spec.md §4.7).
func (c *Config) Fingerprint() [FingerprintSize]byte {
	return c.fingerprint
}

// FingerprintHex renders the fingerprint as lowercase hex.
func (c *Config) FingerprintHex() string {
	return hexEncode(c.fingerprint[:])
}

// EncryptTo encrypts plaintext with AES-256-GCM under a fresh random 96-bit
// IV. Returns (iv16, tag16, ciphertext); iv16 is the 12-byte nonce
// right-padded to 16 bytes per spec.md §4.2's blob header layout.
func (c *Config) EncryptTo(plaintext []byte) (iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(c.encKey[:])
	if err != nil {
		return iv, tag, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return iv, tag, nil, err
	}
	nonce := make([]byte, GCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return iv, tag, nil, err
	}
	copy(iv[:], nonce)

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcm.Overhead()]
	copy(tag[:], sealed[len(sealed)-gcm.Overhead():])
	return iv, tag, ciphertext, nil
}

// DecryptFrom authenticates and decrypts ciphertext given the IV/tag pair
// recorded in an encrypted blob header.
func (c *Config) DecryptFrom(iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.encKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return nil, err
	}
	nonce := iv[:GCMNonceSize]
	sealed := append(append([]byte{}, ciphertext...), tag[:]...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ComputeAuthTag computes an HMAC-SHA-256 over bytes under the
// manifest-signing subkey (spec.md §4.7).
func (c *Config) ComputeAuthTag(data []byte) [32]byte {
	mac := hmac.New(sha256.New, c.signManifestKey[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// DataSigner returns a streaming HMAC context under the chunk-signing
// subkey, used to verify blobs of the legacy "signed" variant (which no
// encoder in this module produces).
func (c *Config) DataSigner() hash.Hash {
	return hmac.New(sha256.New, c.signChunkKey[:])
}

// IndexSigner returns a streaming HMAC context under the index-signing
// subkey, used by dynamic index writers/readers for header integrity.
func (c *Config) IndexSigner() hash.Hash {
	return hmac.New(sha256.New, c.signIndexKey[:])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
