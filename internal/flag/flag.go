// Package flag mints, protects, and records per-instance flags. Random-mode
// flags carry an ownership fingerprint so a submission can be traced back to
// the account it was issued to.
package flag

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// ErrCrypto covers every decrypt failure: wrong key, truncated blob,
// tampered ciphertext. Detail stays out of the error so key material and
// plaintext never leak through logs.
var ErrCrypto = errors.New("flag decryption failed")

const (
	flagAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	defaultBodyLength = 16
	fingerprintLen    = 8
)

// KeyProvider hands out the AEAD key. Satisfied by settings.Settings.
type KeyProvider interface {
	FlagEncryptionKey(ctx context.Context) ([]byte, error)
}

// Service generates and protects flags.
type Service struct {
	keys  KeyProvider
	flags *store.FlagRepo
}

// NewService creates a flag Service.
func NewService(keys KeyProvider, flags *store.FlagRepo) *Service {
	return &Service{keys: keys, flags: flags}
}

// Generate returns the plaintext flag for one (challenge, account) issue.
// Static challenges always yield prefix+suffix. Random challenges embed a
// random body and, for a real account, an ownership fingerprint:
// prefix + body + "_" + fingerprint + suffix.
func (s *Service) Generate(ctx context.Context, ch *store.Challenge, accountID uint) (string, error) {
	if ch.FlagMode == store.FlagModeStatic {
		return ch.FlagPrefix + ch.FlagSuffix, nil
	}

	length := ch.RandomFlagLength
	if length <= 0 {
		length = defaultBodyLength
	}
	body, err := randomBody(length)
	if err != nil {
		return "", err
	}
	if accountID == 0 {
		return ch.FlagPrefix + body + ch.FlagSuffix, nil
	}

	fp, err := s.fingerprint(ctx, ch.ID, accountID)
	if err != nil {
		return "", err
	}
	return ch.FlagPrefix + body + "_" + fp + ch.FlagSuffix, nil
}

// fingerprint is the first 8 hex of HMAC-SHA256(key, "account:challenge").
func (s *Service) fingerprint(ctx context.Context, challengeID, accountID uint) (string, error) {
	key, err := s.keys.FlagEncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d:%d", accountID, challengeID)
	return hex.EncodeToString(mac.Sum(nil))[:fingerprintLen], nil
}

// randomBody draws length characters uniformly from the flag alphabet.
// Bytes >= 248 are rejected so the modulo stays unbiased.
func randomBody(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		for _, b := range buf {
			if b >= byte(len(flagAlphabet))*4 {
				continue
			}
			out = append(out, flagAlphabet[int(b)%len(flagAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// Hash returns the lowercase hex SHA-256 of the plaintext. Submissions are
// compared by hash only.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Encrypt seals the plaintext with XChaCha20-Poly1305 under a fresh random
// nonce. The blob is base64(nonce || ciphertext).
func (s *Service) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := s.keys.FlagEncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to build cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Every failure mode maps to ErrCrypto.
func (s *Service) Decrypt(ctx context.Context, blob string) (string, error) {
	key, err := s.keys.FlagEncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrCrypto
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrCrypto
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrCrypto
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrCrypto
	}
	return string(plain), nil
}

// Record stores the issued flag's hash for random-mode challenges so the
// validator can attribute later submissions. Static flags are shared and
// never recorded per instance.
func (s *Service) Record(ctx context.Context, instanceID uint, ch *store.Challenge, accountID uint, plaintext string) error {
	if ch.FlagMode != store.FlagModeRandom {
		return nil
	}
	rec := &store.FlagRecord{
		InstanceID:  instanceID,
		FlagHash:    Hash(plaintext),
		ChallengeID: ch.ID,
		AccountID:   accountID,
		Status:      store.FlagTemporary,
	}
	return s.flags.Insert(ctx, rec)
}
