package custody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	MasterKeySize = 32
	nonceSize     = 12
	tagSize       = 16
)

var (
	ErrKeyNotFound      = eris.New("custody: signing key not found")
	ErrKeyExpired       = eris.New("custody: signing key expired")
	ErrDecryptionFailed = eris.New("custody: decryption failed")
	ErrInvalidMasterKey = eris.New("custody: master key must be 32 bytes")
)

// EncryptedKey is the only form in which a session key is held or persisted.
type EncryptedKey struct {
	Owner      common.Address
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	ValidUntil time.Time
	SpendLimit uint256.Int
	CreatedAt  time.Time
}

// KeyInfo describes a held key without any secret material.
type KeyInfo struct {
	Owner      common.Address
	ValidUntil time.Time
	SpendLimit uint256.Int
	CreatedAt  time.Time
	Expired    bool
}

// SigningKey is a momentarily decrypted session key. Callers must Zero it
// once the signature is produced.
type SigningKey struct {
	Owner      common.Address
	Key        *ecdsa.PrivateKey
	ValidUntil time.Time
	SpendLimit uint256.Int
}

// Allows reports whether amount fits within the key's spend limit.
func (k *SigningKey) Allows(amount uint256.Int) bool {
	return !k.SpendLimit.IsZero() && !amount.Gt(&k.SpendLimit)
}

// Zero wipes the private scalar.
func (k *SigningKey) Zero() {
	if k == nil || k.Key == nil || k.Key.D == nil {
		return
	}
	k.Key.D.SetInt64(0)
	k.Key = nil
}

// Store persists encrypted keys. Implementations never see plaintext.
type Store interface {
	SaveSigningKey(ctx context.Context, key EncryptedKey) error
	DeleteSigningKey(ctx context.Context, owner common.Address) error
	ListSigningKeys(ctx context.Context) ([]EncryptedKey, error)
}

// Manager holds encrypted session keys and decrypts them on demand.
type Manager struct {
	aead   cipher.AEAD
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	keys map[common.Address]EncryptedKey
}

// NewManager builds a manager around a 32-byte master key. store may be nil.
func NewManager(masterKey []byte, store Store, logger zerolog.Logger) (*Manager, error) {
	if len(masterKey) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, eris.Wrap(err, "custody: init cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, eris.Wrap(err, "custody: init gcm")
	}
	return &Manager{
		aead:   aead,
		store:  store,
		logger: logger.With().Str("component", "custody").Logger(),
		now:    time.Now,
		keys:   make(map[common.Address]EncryptedKey),
	}, nil
}

// ParseMasterKey accepts a 32-byte key as hex (with or without 0x) or base64.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidMasterKey
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil && len(b) == MasterKeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == MasterKeySize {
		return b, nil
	}
	return nil, ErrInvalidMasterKey
}

// DeriveDevelopmentMasterKey hashes a seed into a master key. It is
// predictable by construction and only meant for local development.
func DeriveDevelopmentMasterKey(seed string) []byte {
	return crypto.Keccak256([]byte("yieldguard/dev-master-key"), []byte(seed))
}

// Restore loads persisted keys into memory.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	keys, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "custody: restore keys")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.keys[k.Owner] = k
	}
	return len(keys), nil
}

// Generate creates a fresh session key and stores it encrypted.
func (m *Manager) Generate(ctx context.Context, validUntil time.Time, spendLimit uint256.Int) (KeyInfo, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return KeyInfo{}, eris.Wrap(err, "custody: generate key")
	}
	defer key.D.SetInt64(0)
	return m.hold(ctx, key, validUntil, spendLimit)
}

// Import encrypts an externally created private key.
func (m *Manager) Import(ctx context.Context, rawKey []byte, validUntil time.Time, spendLimit uint256.Int) (KeyInfo, error) {
	key, err := crypto.ToECDSA(rawKey)
	if err != nil {
		return KeyInfo{}, eris.Wrap(err, "custody: parse private key")
	}
	defer key.D.SetInt64(0)
	return m.hold(ctx, key, validUntil, spendLimit)
}

func (m *Manager) hold(ctx context.Context, key *ecdsa.PrivateKey, validUntil time.Time, spendLimit uint256.Int) (KeyInfo, error) {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	plain := crypto.FromECDSA(key)
	enc, err := m.encrypt(owner, plain)
	zero(plain)
	if err != nil {
		return KeyInfo{}, err
	}
	enc.ValidUntil = validUntil.UTC()
	enc.SpendLimit = spendLimit
	enc.CreatedAt = m.now().UTC()

	if m.store != nil {
		if err := m.store.SaveSigningKey(ctx, enc); err != nil {
			return KeyInfo{}, eris.Wrap(err, "custody: persist key")
		}
	}

	m.mu.Lock()
	m.keys[owner] = enc
	m.mu.Unlock()

	m.logger.Info().Str("owner", owner.Hex()).Time("valid_until", enc.ValidUntil).
		Str("spend_limit", spendLimit.Dec()).Msg("session key stored")
	return m.info(enc), nil
}

// DecryptForSigning returns the plaintext key for owner. Expiry is checked
// before any decryption happens.
func (m *Manager) DecryptForSigning(owner common.Address) (*SigningKey, error) {
	m.mu.RLock()
	enc, ok := m.keys[owner]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrKeyNotFound, "owner %s", owner.Hex())
	}
	if !m.now().Before(enc.ValidUntil) {
		return nil, eris.Wrapf(ErrKeyExpired, "owner %s", owner.Hex())
	}

	plain, err := m.decrypt(enc)
	if err != nil {
		return nil, err
	}
	defer zero(plain)

	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, eris.Wrap(ErrDecryptionFailed, "decoded key is invalid")
	}
	if crypto.PubkeyToAddress(key.PublicKey) != owner {
		key.D.SetInt64(0)
		return nil, eris.Wrap(ErrDecryptionFailed, "owner mismatch")
	}
	return &SigningKey{Owner: owner, Key: key, ValidUntil: enc.ValidUntil, SpendLimit: enc.SpendLimit}, nil
}

// Revoke forgets a key. It reports whether the key was held.
func (m *Manager) Revoke(ctx context.Context, owner common.Address) bool {
	m.mu.Lock()
	_, ok := m.keys[owner]
	delete(m.keys, owner)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.store != nil {
		if err := m.store.DeleteSigningKey(ctx, owner); err != nil {
			m.logger.Error().Err(err).Str("owner", owner.Hex()).Msg("failed to delete persisted key")
		}
	}
	m.logger.Info().Str("owner", owner.Hex()).Msg("session key revoked")
	return true
}

// CleanupExpired drops every expired key and returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.now()
	var expired []common.Address
	m.mu.Lock()
	for owner, k := range m.keys {
		if !now.Before(k.ValidUntil) {
			expired = append(expired, owner)
			delete(m.keys, owner)
		}
	}
	m.mu.Unlock()

	for _, owner := range expired {
		if m.store == nil {
			continue
		}
		if err := m.store.DeleteSigningKey(ctx, owner); err != nil {
			m.logger.Error().Err(err).Str("owner", owner.Hex()).Msg("failed to delete expired key")
		}
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("expired session keys removed")
	}
	return len(expired)
}

// List returns metadata for every held key, soonest expiry first.
func (m *Manager) List() []KeyInfo {
	m.mu.RLock()
	out := make([]KeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.info(k))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(out[j].ValidUntil) })
	return out
}

// Active returns the usable key with the latest expiry.
func (m *Manager) Active() (KeyInfo, bool) {
	var best KeyInfo
	found := false
	for _, k := range m.List() {
		if k.Expired {
			continue
		}
		if !found || k.ValidUntil.After(best.ValidUntil) {
			best, found = k, true
		}
	}
	return best, found
}

func (m *Manager) info(k EncryptedKey) KeyInfo {
	return KeyInfo{
		Owner:      k.Owner,
		ValidUntil: k.ValidUntil,
		SpendLimit: k.SpendLimit,
		CreatedAt:  k.CreatedAt,
		Expired:    !m.now().Before(k.ValidUntil),
	}
}

func (m *Manager) encrypt(owner common.Address, plain []byte) (EncryptedKey, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedKey{}, eris.Wrap(err, "custody: read nonce")
	}
	sealed := m.aead.Seal(nil, nonce, plain, owner.Bytes())
	split := len(sealed) - tagSize
	return EncryptedKey{
		Owner:      owner,
		Ciphertext: sealed[:split:split],
		IV:         nonce,
		AuthTag:    sealed[split:],
	}, nil
}

func (m *Manager) decrypt(enc EncryptedKey) ([]byte, error) {
	if len(enc.IV) != nonceSize || len(enc.AuthTag) != tagSize {
		return nil, eris.Wrap(ErrDecryptionFailed, "malformed envelope")
	}
	sealed := make([]byte, 0, len(enc.Ciphertext)+len(enc.AuthTag))
	sealed = append(sealed, enc.Ciphertext...)
	sealed = append(sealed, enc.AuthTag...)
	plain, err := m.aead.Open(nil, enc.IV, sealed, enc.Owner.Bytes())
	if err != nil {
		return nil, eris.Wrap(ErrDecryptionFailed, "authentication tag mismatch")
	}
	return plain, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
