// Package signerkey resolves who signs a venue transaction: the single
// executor key for vault-mediated venues (SPOT, PERP_A) or a per-user
// delegated agent key for the off-chain/CFD venues (PERP_B, PERP_C).
package signerkey

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/maxxit-ai/coordinator/pkg/crypto"
)

// ExecutorID is the fixed identifier for the single module-signing key
// used by vault-mediated venues. Delegated venues key off the lowercased
// agent address instead.
const ExecutorID = "executor"

// KeyStore holds encrypted-at-rest private keys and decrypts them on
// demand. Ciphertext is produced by crypto.KeyManager so rotation works
// the same way the admin API's stored secrets do.
type KeyStore struct {
	km *crypto.KeyManager

	mu         sync.RWMutex
	ciphertext map[string]string          // id -> encrypted hex private key
	cache      map[string]*ecdsa.PrivateKey // id -> decrypted key, populated lazily
}

func NewKeyStore(km *crypto.KeyManager) *KeyStore {
	return &KeyStore{
		km:         km,
		ciphertext: make(map[string]string),
		cache:      make(map[string]*ecdsa.PrivateKey),
	}
}

// Put registers an encrypted private key under id (ExecutorID or a
// lowercased agent address).
func (s *KeyStore) Put(id, ciphertext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ciphertext[strings.ToLower(id)] = ciphertext
	delete(s.cache, strings.ToLower(id))
}

// PutPlaintext encrypts hexPrivateKey and registers it under id. Used at
// bootstrap when keys arrive from configuration rather than already sealed.
func (s *KeyStore) PutPlaintext(id, hexPrivateKey string) error {
	ciphertext, err := s.km.Encrypt(hexPrivateKey)
	if err != nil {
		return fmt.Errorf("encrypt signing key for %s: %w", id, err)
	}
	s.Put(id, ciphertext)
	return nil
}

// Resolve returns the decrypted signing key and its address for id.
func (s *KeyStore) Resolve(id string) (*ecdsa.PrivateKey, common.Address, error) {
	id = strings.ToLower(id)

	s.mu.RLock()
	if key, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return key, gethcrypto.PubkeyToAddress(key.PublicKey), nil
	}
	ciphertext, ok := s.ciphertext[id]
	s.mu.RUnlock()
	if !ok {
		return nil, common.Address{}, fmt.Errorf("signerkey: no key registered for %q", id)
	}

	plaintext, err := s.km.Decrypt(ciphertext)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("decrypt signing key for %s: %w", id, err)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(plaintext, "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse signing key for %s: %w", id, err)
	}

	s.mu.Lock()
	s.cache[id] = key
	s.mu.Unlock()

	return key, gethcrypto.PubkeyToAddress(key.PublicKey), nil
}

// ExecutorAddress is a convenience wrapper for Resolve(ExecutorID).
func (s *KeyStore) ExecutorAddress() (common.Address, error) {
	_, addr, err := s.Resolve(ExecutorID)
	return addr, err
}
