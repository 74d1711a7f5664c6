package crypto

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/constants"
	"chatcore/internal/metrics"
	"chatcore/internal/retry"
	"chatcore/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// KeySource fetches raw key material from the key service.
type KeySource interface {
	FetchKeys(ctx context.Context, keyIDs []string) (map[string][]byte, error)
}

// KeyRing holds loaded symmetric keys and loads missing ones
// asynchronously. Decryption that needs a missing key is deferred by the
// caller and retried when the ring announces the key's arrival; the load
// never blocks unrelated events.
type KeyRing struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	pending  map[string]bool
	source   KeySource
	breaker  *circuitbreaker.CircuitBreaker
	backoff  *retry.Backoff
	onLoaded []func(keyIDs []string)
	logger   *logrus.Logger
}

// NewKeyRing creates a key ring backed by the given source. A nil source
// yields a ring that only serves keys added directly.
func NewKeyRing(source KeySource, logger *logrus.Logger) *KeyRing {
	if logger == nil {
		logger = logrus.New()
	}
	return &KeyRing{
		keys:    make(map[string][]byte),
		pending: make(map[string]bool),
		source:  source,
		breaker: circuitbreaker.New("key-service", constants.DefaultKeyBreakerFailures,
			time.Duration(constants.DefaultKeyBreakerCooldownS)*time.Second, logger),
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  constants.DefaultMaxAttempts,
			Jitter:       true,
		}),
		logger: logger,
	}
}

// AddKey inserts key material directly (local provisioning and tests).
func (k *KeyRing) AddKey(keyID string, key []byte) {
	k.mu.Lock()
	k.keys[keyID] = append([]byte(nil), key...)
	delete(k.pending, keyID)
	k.mu.Unlock()
	k.announce([]string{keyID})
}

// HasKey reports whether the key material for keyID is loaded.
func (k *KeyRing) HasKey(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[keyID]
	return ok
}

// Key returns the key material for keyID.
func (k *KeyRing) Key(keyID string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[keyID]
	return key, ok
}

// Subscribe registers a callback announced whenever keys finish loading.
func (k *KeyRing) Subscribe(fn func(keyIDs []string)) {
	k.mu.Lock()
	k.onLoaded = append(k.onLoaded, fn)
	k.mu.Unlock()
}

// Missing filters keyIDs down to those not yet loaded.
func (k *KeyRing) Missing(keyIDs []string) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var missing []string
	for _, id := range keyIDs {
		if id == "" {
			continue
		}
		if _, ok := k.keys[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// RequestKeys starts an asynchronous load of any missing keys. Already
// pending ids are not requested twice. Subscribers are announced once the
// material arrives.
func (k *KeyRing) RequestKeys(ctx context.Context, keyIDs []string) {
	if k.source == nil {
		return
	}

	k.mu.Lock()
	var toLoad []string
	for _, id := range keyIDs {
		if id == "" {
			continue
		}
		if _, ok := k.keys[id]; ok {
			continue
		}
		if !k.pending[id] {
			k.pending[id] = true
			toLoad = append(toLoad, id)
		}
	}
	k.mu.Unlock()
	if len(toLoad) == 0 {
		return
	}

	go k.load(ctx, toLoad)
}

func (k *KeyRing) load(ctx context.Context, keyIDs []string) {
	var fetched map[string][]byte
	err := k.backoff.Retry(ctx, func() error {
		return k.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			fetched, err = k.source.FetchKeys(ctx, keyIDs)
			return err
		})
	})

	k.mu.Lock()
	for _, id := range keyIDs {
		delete(k.pending, id)
	}
	if err != nil {
		k.mu.Unlock()
		k.logger.WithError(err).WithField("key_count", len(keyIDs)).Warn("Key load failed")
		metrics.IncrementCounter("keyring_load_failures_total", nil, "Key service loads that failed after retries")
		return
	}
	loaded := make([]string, 0, len(fetched))
	for id, key := range fetched {
		k.keys[id] = append([]byte(nil), key...)
		loaded = append(loaded, id)
	}
	k.mu.Unlock()

	metrics.AddToCounter("keyring_loaded_total", float64(len(loaded)), nil, "Keys loaded from the key service")
	k.announce(loaded)
}

func (k *KeyRing) announce(keyIDs []string) {
	if len(keyIDs) == 0 {
		return
	}
	k.mu.RLock()
	subs := make([]func([]string), len(k.onLoaded))
	copy(subs, k.onLoaded)
	k.mu.RUnlock()
	for _, fn := range subs {
		fn(keyIDs)
	}
}
