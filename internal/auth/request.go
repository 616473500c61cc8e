package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/metrics"
	"github.com/silver/wakelobby/internal/wire"
)

// DefaultRequestTTL bounds both the replay window and the clock skew
// tolerance for backend portal requests.
const DefaultRequestTTL = 5 * time.Second

// nonceSweepInterval is how often the cache janitor drops expired nonces,
// so the replay cache drains even when verification traffic stops.
const nonceSweepInterval = time.Minute

// WildcardBackend matches any backend without an explicit secret. An
// explicit backend-name key always takes precedence; reversing that would
// open an authentication bypass.
const WildcardBackend = "*"

// RequestVerifier validates signed, timestamped, nonced portal requests
// from backend servers. The checks run cheapest-first so unauthenticated
// probing is rejected before any cryptographic work.
type RequestVerifier struct {
	log     *logrus.Logger
	ttl     time.Duration
	secrets atomic.Value // map[string]string, keyed by backend name
	nonces  *gocache.Cache
	now     func() time.Time
}

func NewRequestVerifier(log *logrus.Logger) *RequestVerifier {
	v := &RequestVerifier{
		log:    log,
		ttl:    DefaultRequestTTL,
		nonces: gocache.New(DefaultRequestTTL, nonceSweepInterval),
		now:    time.Now,
	}
	v.secrets.Store(map[string]string{})
	return v
}

// UpdateSecrets atomically replaces the per-backend secrets. A key of
// WildcardBackend acts as the default for backends without their own entry.
func (v *RequestVerifier) UpdateSecrets(perBackend map[string]string) {
	next := make(map[string]string, len(perBackend))
	for backend, secret := range perBackend {
		backend = strings.TrimSpace(backend)
		if backend == "" {
			continue
		}
		next[backend] = strings.TrimSpace(secret)
	}
	v.secrets.Store(next)
	v.log.Infof("updated backend portal request secrets: %d entries", len(next))
}

// Verify checks a decoded portal request from the named backend. Any
// failing step short-circuits; the caller must not deliver the request on a
// false verdict. Failures are operator-log-only by design.
func (v *RequestVerifier) Verify(backendName string, req *wire.PortalRequest) bool {
	secret := v.resolveSecret(backendName)
	if secret == "" {
		v.reject("no_secret")
		v.log.Warnf("portal request rejected: no secret configured for backend %q", backendName)
		return false
	}

	now := v.now()
	age := now.UnixMilli() - req.IssuedAt
	if age < 0 {
		age = -age
	}
	if age > v.ttl.Milliseconds() {
		v.reject("expired")
		v.log.Warnf("portal request rejected: expired or clock skew backend=%q ageMs=%d ttlMs=%d",
			backendName, age, v.ttl.Milliseconds())
		return false
	}

	v.nonces.DeleteExpired()
	expiry := time.UnixMilli(req.IssuedAt).Add(v.ttl)
	ttl := expiry.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	// Add is an atomic insert-if-absent: of two requests racing on the same
	// nonce, only one wins the insert.
	if err := v.nonces.Add(nonceKey(backendName, req.Nonce), expiry, ttl); err != nil {
		v.reject("replay")
		v.log.Warnf("portal request rejected: replayed nonce backend=%q nonce=%q", backendName, req.Nonce)
		return false
	}

	expected := SignRequest(secret, req)
	if !hmac.Equal(expected, req.Signature) {
		v.reject("bad_signature")
		v.log.Warnf("portal request rejected: bad signature backend=%q target=%q",
			backendName, req.TargetServer)
		return false
	}

	return true
}

// SignRequest computes the HMAC-SHA256 signature over the canonical
// unsigned encoding of req.
func SignRequest(secret string, req *wire.PortalRequest) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(wire.AppendUnsigned(nil, req))
	return mac.Sum(nil)
}

func (v *RequestVerifier) resolveSecret(backendName string) string {
	secrets := v.secrets.Load().(map[string]string)
	if secret := secrets[backendName]; secret != "" {
		return secret
	}
	return secrets[WildcardBackend]
}

func (v *RequestVerifier) reject(reason string) {
	metrics.AuthRejectionsTotal.WithLabelValues(reason).Inc()
}

func nonceKey(backendName, nonce string) string {
	return backendName + "|" + nonce
}
