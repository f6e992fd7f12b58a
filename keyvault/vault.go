// Package keyvault owns the per-user asymmetric keypair: generation,
// local-only persistence, and mirroring of the public half to the key
// registry. The private key never leaves the device.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrykh/whisperline/cryptox"
	"github.com/dmitrykh/whisperline/logging"
	"github.com/dmitrykh/whisperline/models"
	"github.com/dmitrykh/whisperline/storage"
)

var (
	// ErrRegistryUnavailable wraps key-registry failures. When EnsureKeyPair
	// returns it together with a non-nil pair, the pair is persisted locally
	// and usable for decryption; only the public-half mirror is pending.
	ErrRegistryUnavailable = errors.New("key registry unavailable")

	// ErrNoPublicKey means the counterparty has not registered a public key.
	ErrNoPublicKey = errors.New("no public key registered")
)

// LocalStore persists keypairs on the device, keyed by user id.
type LocalStore interface {
	// Load returns the stored pair or storage.ErrNotFound.
	Load(ctx context.Context, userID string) (*cryptox.KeyPair, error)
	Save(ctx context.Context, userID string, kp *cryptox.KeyPair) error
}

// Vault coordinates keypair lifecycle for the local user and caches
// counterparty public keys for the session.
type Vault struct {
	local    LocalStore
	registry storage.KeyRegistry
	log      logging.Logger

	group singleflight.Group

	mu            sync.RWMutex
	cache         map[string][]byte   // counterparty public keys by user id
	mirrorPending map[string]struct{} // users whose registry upsert failed
}

func New(local LocalStore, registry storage.KeyRegistry, log logging.Logger) *Vault {
	if log == nil {
		log = logging.Nop()
	}
	return &Vault{
		local:         local,
		registry:      registry,
		log:           log,
		cache:         make(map[string][]byte),
		mirrorPending: make(map[string]struct{}),
	}
}

type ensureResult struct {
	pair   *cryptox.KeyPair
	regErr error
}

// EnsureKeyPair returns the user's keypair, generating and persisting one
// on first use. Concurrent calls for the same user share a single in-flight
// generation, so at most one pair is ever created per user per device.
//
// A registry mirror failure is recoverable: the pair is still returned,
// with an error wrapping ErrRegistryUnavailable; the mirror is retried on
// the next call.
func (v *Vault) EnsureKeyPair(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	res, err, _ := v.group.Do(userID, func() (any, error) {
		return v.ensure(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	r := res.(*ensureResult)
	return r.pair, r.regErr
}

func (v *Vault) ensure(ctx context.Context, userID string) (*ensureResult, error) {
	pair, err := v.local.Load(ctx, userID)
	switch {
	case err == nil:
		if !v.mirrorIsPending(userID) {
			return &ensureResult{pair: pair}, nil
		}
		// A previous registry upsert failed; retry the mirror only.
		return &ensureResult{pair: pair, regErr: v.mirror(ctx, userID, pair)}, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	pair, err = cryptox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := v.local.Save(ctx, userID, pair); err != nil {
		return nil, fmt.Errorf("persist keypair: %w", err)
	}

	return &ensureResult{pair: pair, regErr: v.mirror(ctx, userID, pair)}, nil
}

// Rotate generates a replacement pair for the user. The old pair becomes
// unusable for new messages; plaintext already decrypted stays valid since
// it lives only in memory.
func (v *Vault) Rotate(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	res, err, _ := v.group.Do("rotate:"+userID, func() (any, error) {
		pair, err := cryptox.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := v.local.Save(ctx, userID, pair); err != nil {
			return nil, fmt.Errorf("persist keypair: %w", err)
		}
		v.mu.Lock()
		delete(v.cache, userID)
		v.mu.Unlock()
		return &ensureResult{pair: pair, regErr: v.mirror(ctx, userID, pair)}, nil
	})
	if err != nil {
		return nil, err
	}
	r := res.(*ensureResult)
	return r.pair, r.regErr
}

func (v *Vault) mirror(ctx context.Context, userID string, pair *cryptox.KeyPair) error {
	err := v.registry.Upsert(ctx, &models.PublicKey{
		UserID:    userID,
		PublicKey: pair.Public,
		UpdatedAt: time.Now().UTC(),
	})

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.mirrorPending[userID] = struct{}{}
		v.log.Warn(ctx, "public key mirror failed", "user_id", userID, "err", err)
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	delete(v.mirrorPending, userID)
	return nil
}

func (v *Vault) mirrorIsPending(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.mirrorPending[userID]
	return ok
}

// PublicKey resolves a counterparty's public key from the registry, caching
// it for the session. Returns ErrNoPublicKey when none is registered.
func (v *Vault) PublicKey(ctx context.Context, userID string) ([]byte, error) {
	v.mu.RLock()
	cached, ok := v.cache[userID]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	k, err := v.registry.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNoPublicKey, userID)
		}
		return nil, fmt.Errorf("resolve public key: %w", err)
	}
	if len(k.PublicKey) != cryptox.KeySize {
		return nil, fmt.Errorf("%w: registry row for %s has %d bytes",
			cryptox.ErrInvalidKeySize, userID, len(k.PublicKey))
	}

	v.mu.Lock()
	v.cache[userID] = k.PublicKey
	v.mu.Unlock()
	return k.PublicKey, nil
}

// Forget drops a cached counterparty key, forcing the next PublicKey call
// back to the registry. Used after a counterparty rotates keys.
func (v *Vault) Forget(userID string) {
	v.mu.Lock()
	delete(v.cache, userID)
	v.mu.Unlock()
}
