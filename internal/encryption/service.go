// Package encryption provides field-level envelope encryption, searchable
// keyed hashes and irreversible secret verifiers.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BradenHooton/dealergate/internal/models"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EnvelopePrefix marks a versioned envelope: v1:base64(nonce|ciphertext|tag)
	EnvelopePrefix = "v1:"

	KeySize = 32

	DefaultKDFIterations  = 600000
	DefaultHashIterations = 310000

	masterKeySalt = "dealergate/master-key/v1"
	subkeyInfo    = "dealergate field key v1"
)

var ErrInvalidEnvelope = errors.New("invalid ciphertext envelope")

type Options struct {
	MasterKey      string
	KDFIterations  int
	HashIterations int
}

// Service holds the master key and caches per-field AEADs. It is safe for
// concurrent use.
type Service struct {
	master         []byte
	hashIterations int

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

func New(opts Options) (*Service, error) {
	if opts.MasterKey == "" {
		return nil, errors.New("encryption master key is required")
	}
	if opts.KDFIterations <= 0 {
		opts.KDFIterations = DefaultKDFIterations
	}
	if opts.HashIterations <= 0 {
		opts.HashIterations = DefaultHashIterations
	}

	return &Service{
		master:         deriveMasterKey(opts.MasterKey, opts.KDFIterations),
		hashIterations: opts.HashIterations,
		aeads:          make(map[string]cipher.AEAD),
	}, nil
}

// deriveMasterKey stretches secrets shorter than the AES-256 key size with
// PBKDF2; longer secrets are compressed with SHA-256.
func deriveMasterKey(secret string, iterations int) []byte {
	raw := []byte(secret)
	switch {
	case len(raw) < KeySize:
		return pbkdf2.Key(raw, []byte(masterKeySalt), iterations, KeySize, sha256.New)
	case len(raw) == KeySize:
		key := make([]byte, KeySize)
		copy(key, raw)
		return key
	default:
		sum := sha256.Sum256(raw)
		return sum[:]
	}
}

// subkey derives an independent key for a named purpose via HKDF-SHA256.
func (s *Service) subkey(purpose string) ([]byte, error) {
	salt := sha256.Sum256([]byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, salt[:], []byte(subkeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}

func (s *Service) aead(field string) (cipher.AEAD, error) {
	s.mu.RLock()
	gcm, ok := s.aeads[field]
	s.mu.RUnlock()
	if ok {
		return gcm, nil
	}

	key, err := s.subkey("field:" + field)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	s.mu.Lock()
	s.aeads[field] = gcm
	s.mu.Unlock()
	return gcm, nil
}

// Encrypt seals plaintext under the subkey for field. The field name is also
// bound as additional data, so an envelope only opens for the field it was
// produced for.
func (s *Service) Encrypt(field string, plaintext []byte) (string, error) {
	gcm, err := s.aead(field)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(field))
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Service) Decrypt(field, envelope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, EnvelopePrefix) {
		return nil, ErrInvalidEnvelope
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, EnvelopePrefix))
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	gcm, err := s.aead(field)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrInvalidEnvelope
	}

	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(field))
	if err != nil {
		return nil, models.ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *Service) EncryptString(field, plaintext string) (string, error) {
	return s.Encrypt(field, []byte(plaintext))
}

func (s *Service) DecryptString(field, envelope string) (string, error) {
	plaintext, err := s.Decrypt(field, envelope)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// KeyedHash returns hex HMAC-SHA256 of value under the subkey for purpose.
func (s *Service) KeyedHash(purpose, value string) string {
	key, err := s.subkey("mac:" + purpose)
	if err != nil {
		// hkdf only fails when asked for more than 255 blocks
		panic(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// SearchHash is the case-insensitive lookup hash for a searchable field.
func (s *Service) SearchHash(field, plaintext string) string {
	return s.KeyedHash("search:"+field, strings.ToLower(strings.TrimSpace(plaintext)))
}

// EncryptSearchable returns ciphertext plus a deterministic hash usable in
// equality lookups without decrypting.
func (s *Service) EncryptSearchable(field, plaintext string) (*models.SearchableField, error) {
	ct, err := s.EncryptString(field, plaintext)
	if err != nil {
		return nil, err
	}
	return &models.SearchableField{
		Ciphertext: ct,
		SearchHash: s.SearchHash(field, plaintext),
	}, nil
}

// EncryptFinancial encrypts a sensitive value and attaches its display mask.
func (s *Service) EncryptFinancial(field, value string, kind FieldKind) (*models.EncryptedField, error) {
	ct, err := s.EncryptString(field, value)
	if err != nil {
		return nil, err
	}
	return &models.EncryptedField{
		Ciphertext: ct,
		Masked:     Mask(kind, value),
	}, nil
}
