// Package cryptobox encrypts message text at rest using versioned AES-256-GCM
// envelopes, so the active key can rotate without breaking old ciphertext.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters and AES-GCM sizes.
const (
	kdfN   = 1 << 14
	kdfR   = 8
	kdfP   = 1
	keyLen = 32
	ivLen  = 12
)

var (
	// ErrMalformedEnvelope indicates the stored value is not a valid
	// version:iv:authTag:ciphertext envelope.
	ErrMalformedEnvelope = errors.New("cryptobox: malformed envelope")

	// ErrUnknownVersion indicates the envelope names a key version that is
	// not configured.
	ErrUnknownVersion = errors.New("cryptobox: unknown key version")
)

// KeySpec is one configured key version. The 32-byte AES key is derived from
// Secret and Salt once at startup.
type KeySpec struct {
	Version string
	Secret  string
	Salt    string
}

// Box holds the derived keys. Encrypt always uses the active version;
// Decrypt selects the key by the version tag inside the envelope.
type Box struct {
	active string
	keys   map[string][]byte
}

// ParseKeys parses a comma-separated list of version:secret:salt triples.
func ParseKeys(spec string) ([]KeySpec, error) {
	var out []KeySpec
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("cryptobox: bad key entry %q", entry)
		}
		out = append(out, KeySpec{Version: parts[0], Secret: parts[1], Salt: parts[2]})
	}
	if len(out) == 0 {
		return nil, errors.New("cryptobox: no keys configured")
	}
	return out, nil
}

// New derives one AES key per configured version. The active version must be
// among them.
func New(active string, specs []KeySpec) (*Box, error) {
	keys := make(map[string][]byte, len(specs))
	for _, s := range specs {
		if s.Version == "" || s.Secret == "" {
			return nil, fmt.Errorf("cryptobox: key version %q incomplete", s.Version)
		}
		key, err := scrypt.Key([]byte(s.Secret), []byte(s.Salt), kdfN, kdfR, kdfP, keyLen)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: derive key %s: %w", s.Version, err)
		}
		keys[s.Version] = key
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("cryptobox: active version %q has no key", active)
	}
	return &Box{active: active, keys: keys}, nil
}

// Encrypt seals plaintext under the active key version and returns the
// version:iv:authTag:ciphertext envelope, every field base64-encoded.
func (b *Box) Encrypt(plain string) (string, error) {
	gcm, err := b.aead(b.keys[b.active])
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptobox: iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plain), nil)
	// Seal appends the auth tag after the ciphertext; the envelope keeps
	// them as separate fields.
	tagAt := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]

	enc := base64.StdEncoding.EncodeToString
	return strings.Join([]string{
		enc([]byte(b.active)),
		enc(iv),
		enc(tag),
		enc(ct),
	}, ":"), nil
}

// Decrypt opens an envelope produced by Encrypt under any configured key
// version.
func (b *Box) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 {
		return "", ErrMalformedEnvelope
	}

	fields := make([][]byte, 4)
	for i, p := range parts {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", ErrMalformedEnvelope
		}
		fields[i] = raw
	}
	version, iv, tag, ct := fields[0], fields[1], fields[2], fields[3]

	key, ok := b.keys[string(version)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	gcm, err := b.aead(key)
	if err != nil {
		return "", err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", ErrMalformedEnvelope
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("cryptobox: open: %w", err)
	}
	return string(plain), nil
}

func (b *Box) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: gcm: %w", err)
	}
	return gcm, nil
}
