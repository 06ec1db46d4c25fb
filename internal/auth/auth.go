// Package auth provides API authentication for Peertrade.
//
// Authentication model:
// - Public endpoints (offer browsing, market stats): no auth required
// - Trade and balance operations: require an API key bound to an address
// - Admin operations (arbitration rulings, reconcile): require the admin role
//
// Keys are issued on trader registration. The admin role comes from the
// configured admin address list, never from the key itself.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrNotOwner      = errors.New("auth: not authorized for this resource")
	ErrKeyNotFound   = errors.New("auth: API key not found")
)

// Roles assigned at validation time.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// APIKey represents an API key bound to a trader address
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 hash of key (stored)
	Address   string     `json:"address"` // trader this key belongs to
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAddress(ctx context.Context, addr string) ([]*APIKey, error)
	// Revoke marks a key revoked. Revocation is permanent.
	Revoke(ctx context.Context, id string) error
	// Touch records when a key was last used.
	Touch(ctx context.Context, id string, when time.Time) error
	Delete(ctx context.Context, id string) error
}

// Manager handles key issuance, validation and role assignment
type Manager struct {
	store       Store
	adminAddrs  map[string]bool
	adminSecret string
}

// NewManager creates a new auth manager. adminAddrs become RoleAdmin;
// adminSecret (optional) unlocks admin routes for ops tooling without a key.
func NewManager(store Store, adminAddrs []string, adminSecret string) *Manager {
	admins := make(map[string]bool, len(adminAddrs))
	for _, a := range adminAddrs {
		admins[strings.ToLower(strings.TrimSpace(a))] = true
	}
	return &Manager{store: store, adminAddrs: admins, adminSecret: adminSecret}
}

// GenerateKey creates a new API key for an address.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, address, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "pk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Address:   strings.ToLower(address),
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "pk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Record usage without blocking the request. Touch writes only the
	// timestamp, so it cannot race a concurrent revocation.
	go func() {
		m.store.Touch(context.Background(), key.ID, time.Now())
	}()

	return key, nil
}

// RoleFor returns the role for an address.
func (m *Manager) RoleFor(address string) string {
	if m.adminAddrs[strings.ToLower(address)] {
		return RoleAdmin
	}
	return RoleUser
}

// HasKeys reports whether an address has any key, revoked or not.
// Registration is first come first served per address.
func (m *Manager) HasKeys(ctx context.Context, address string) (bool, error) {
	keys, err := m.store.GetByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// ListKeys returns all keys for an address
func (m *Manager) ListKeys(ctx context.Context, address string) ([]*APIKey, error) {
	return m.store.GetByAddress(ctx, strings.ToLower(address))
}

// RevokeKey revokes an API key owned by address
func (m *Manager) RevokeKey(ctx context.Context, keyID, address string) error {
	keys, err := m.store.GetByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			return m.store.Revoke(ctx, keyID)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAddress(ctx context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Address, addr) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.Revoked = true
	}
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = when
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
