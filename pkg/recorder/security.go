package recorder

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
)

// SecurityOptions configures how capsule documents are protected at rest
type SecurityOptions struct {
	// Encryption settings
	EnableEncryption bool
	EncryptionKey    []byte // Should be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256

	// Redaction settings
	EnableRedaction      bool
	RedactionPatterns    []string // Regex patterns matched against variable names
	RedactionReplacement string

	// Integrity verification settings
	EnableIntegrityCheck bool
	IntegrityKey         []byte // Key for HMAC
}

// DefaultSecurityOptions returns the default security options (no security features enabled)
func DefaultSecurityOptions() SecurityOptions {
	return SecurityOptions{
		RedactionPatterns:    []string{"password", "token", "secret", "key", "credential"},
		RedactionReplacement: "***REDACTED***",
	}
}

// WithEncryption enables encryption with the given key
func WithEncryption(key []byte) func(*SecurityOptions) {
	return func(opts *SecurityOptions) {
		opts.EnableEncryption = true
		opts.EncryptionKey = key
	}
}

// WithRedaction enables redaction with the given patterns and replacement
func WithRedaction(patterns []string, replacement string) func(*SecurityOptions) {
	return func(opts *SecurityOptions) {
		opts.EnableRedaction = true
		opts.RedactionPatterns = patterns
		if replacement != "" {
			opts.RedactionReplacement = replacement
		}
	}
}

// WithIntegrityCheck enables integrity checks with the given key
func WithIntegrityCheck(key []byte) func(*SecurityOptions) {
	return func(opts *SecurityOptions) {
		opts.EnableIntegrityCheck = true
		opts.IntegrityKey = key
	}
}

// NewSecurityOptions applies opts over DefaultSecurityOptions.
func NewSecurityOptions(opts ...func(*SecurityOptions)) SecurityOptions {
	so := DefaultSecurityOptions()
	for _, o := range opts {
		o(&so)
	}
	return so
}

// EncryptData encrypts data using AES-GCM. The nonce is prepended to the
// returned ciphertext.
func EncryptData(data []byte, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, data, nil), nil
}

// DecryptData decrypts data produced by EncryptData
func DecryptData(data []byte, key []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aesGCM.NonceSize() {
		return nil, errors.New("encrypted data too short")
	}
	nonce, ciphertext := data[:aesGCM.NonceSize()], data[aesGCM.NonceSize():]
	return aesGCM.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, errors.New("encryption key must be 16, 24, or 32 bytes long")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// RedactData masks the values following any of patterns in key/value
// shaped text such as JSON or "name=value" lists.
func RedactData(data []byte, patterns []string, replacement string) []byte {
	strData := string(data)
	for _, pattern := range patterns {
		r, err := regexp.Compile(`(?i)(["']?` + pattern + `["']?\s*[:=]\s*["']?)([^"'}\s]+|[^"'}\s][^"'}\s]*[^"'}\s])`)
		if err != nil {
			continue
		}
		strData = r.ReplaceAllString(strData, "${1}"+replacement)
	}
	return []byte(strData)
}

// NameMatcher returns a predicate matching names against patterns,
// ignoring case. Invalid patterns are skipped.
func NameMatcher(patterns []string) func(name string) bool {
	var res []*regexp.Regexp
	for _, p := range patterns {
		if r, err := regexp.Compile(`(?i)` + p); err == nil {
			res = append(res, r)
		}
	}
	return func(name string) bool {
		for _, r := range res {
			if r.MatchString(name) {
				return true
			}
		}
		return false
	}
}

// CalculateHMAC generates an HMAC for the given data
func CalculateHMAC(data []byte, key []byte) string {
	return hex.EncodeToString(sum(data, key))
}

// VerifyHMAC checks if the HMAC for the given data matches the expected value
func VerifyHMAC(data []byte, key []byte, expectedHMAC string) bool {
	expected, err := hex.DecodeString(expectedHMAC)
	if err != nil {
		return false
	}
	return hmac.Equal(sum(data, key), expected)
}

func sum(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Envelope layout:
//
//	"CDX1" | flags (1 byte) | body | HMAC-SHA256 of everything before it
//
// The MAC trailer is present only when flagIntegrity is set.
var envelopeMagic = []byte("CDX1")

const (
	flagEncrypted byte = 1 << iota
	flagIntegrity
)

// ErrIntegrity reports a sealed document whose HMAC does not verify.
var ErrIntegrity = errors.New("HMAC verification failed: data may have been tampered with")

// ErrKeyRequired reports a sealed document opened without the key it needs.
var ErrKeyRequired = errors.New("document is protected and no key was supplied")

// ErrUnprotected reports a document that lacks the encryption the options
// require.
var ErrUnprotected = errors.New("document is not encrypted")

// Sealed reports whether data is wrapped in a security envelope.
func Sealed(data []byte) bool {
	return bytes.HasPrefix(data, envelopeMagic)
}

// Seal wraps data according to opts. With neither encryption nor
// integrity enabled data is returned unchanged.
func Seal(data []byte, opts SecurityOptions) ([]byte, error) {
	if !opts.EnableEncryption && !opts.EnableIntegrityCheck {
		return data, nil
	}
	var flags byte
	body := data
	if opts.EnableEncryption {
		enc, err := EncryptData(data, opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
		body = enc
		flags |= flagEncrypted
	}
	if opts.EnableIntegrityCheck {
		if len(opts.IntegrityKey) == 0 {
			return nil, ErrKeyRequired
		}
		flags |= flagIntegrity
	}

	out := make([]byte, 0, len(envelopeMagic)+1+len(body)+sha256.Size)
	out = append(out, envelopeMagic...)
	out = append(out, flags)
	out = append(out, body...)
	if flags&flagIntegrity != 0 {
		out = append(out, sum(out, opts.IntegrityKey)...)
	}
	return out, nil
}

// Unseal reverses Seal. Data without an envelope is returned unchanged
// unless opts require protection: a document missing the MAC that
// integrity checking expects fails with ErrIntegrity, and one that is not
// encrypted when encryption is enabled fails with ErrUnprotected.
func Unseal(data []byte, opts SecurityOptions) ([]byte, error) {
	var flags byte
	if Sealed(data) {
		if len(data) < len(envelopeMagic)+1 {
			return nil, errors.New("truncated envelope")
		}
		flags = data[len(envelopeMagic)]
	}
	if opts.EnableIntegrityCheck && flags&flagIntegrity == 0 {
		return nil, ErrIntegrity
	}
	if opts.EnableEncryption && flags&flagEncrypted == 0 {
		return nil, ErrUnprotected
	}
	if !Sealed(data) {
		return data, nil
	}
	end := len(data)
	if flags&flagIntegrity != 0 {
		if len(opts.IntegrityKey) == 0 {
			return nil, ErrKeyRequired
		}
		end -= sha256.Size
		if end < len(envelopeMagic)+1 {
			return nil, errors.New("truncated envelope")
		}
		if !hmac.Equal(sum(data[:end], opts.IntegrityKey), data[end:]) {
			return nil, ErrIntegrity
		}
	}
	body := data[len(envelopeMagic)+1 : end]
	if flags&flagEncrypted == 0 {
		return body, nil
	}
	if len(opts.EncryptionKey) == 0 {
		return nil, ErrKeyRequired
	}
	return DecryptData(body, opts.EncryptionKey)
}
