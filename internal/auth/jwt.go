package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Session is the authenticated caller behind an interactive request
type Session struct {
	Subject  string
	ClientID string
	Email    string
}

// TenantID is the tenant a session acts for. The client_id claim wins over the subject.
func (s *Session) TenantID() string {
	if s.ClientID != "" {
		return s.ClientID
	}
	return s.Subject
}

// JWTVerifier verifies session tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewJWTVerifier registers the JWKS URL, warms the cache and refreshes it in the
// background until ctx is done
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// NewStaticJWTVerifier verifies against a fixed key set
func NewStaticJWTVerifier(keySet jwk.Set) *JWTVerifier {
	return &JWTVerifier{keySet: keySet, lastFetch: time.Now()}
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		// Keep the previous set on error, retry next tick
		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// SessionFromRequest validates the bearer token of r
func (v *JWTVerifier) SessionFromRequest(r *http.Request) (*Session, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	subject := token.Subject()
	if subject == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	s := &Session{Subject: subject}
	if claim, ok := token.Get("client_id"); ok {
		s.ClientID, _ = claim.(string)
	}
	if claim, ok := token.Get("email"); ok {
		s.Email, _ = claim.(string)
	}
	return s, nil
}

// Stats reports the state of the key cache
func (v *JWTVerifier) Stats() map[string]any {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]any{
		"keys_cached": keyCount,
		"age_seconds": int(time.Since(v.lastFetch).Seconds()),
	}
}
