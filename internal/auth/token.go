// Package auth gates who may trigger a portal handoff: client-supplied
// shared-secret tokens and HMAC-signed, replay-protected backend requests.
package auth

import (
	"crypto/subtle"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// TokenVerifier validates client-supplied portal tokens against a global
// secret or a per-destination override. Secrets are replaced wholesale so
// readers never observe a partially-updated set.
type TokenVerifier struct {
	log     *logrus.Logger
	secrets atomic.Value // tokenSecrets
}

type tokenSecrets struct {
	global    string
	perServer map[string]string
}

func NewTokenVerifier(log *logrus.Logger) *TokenVerifier {
	v := &TokenVerifier{log: log}
	v.secrets.Store(tokenSecrets{perServer: map[string]string{}})
	return v
}

// UpdateSecrets atomically replaces the configured secrets. All values are
// trimmed; nil maps are treated as empty.
func (v *TokenVerifier) UpdateSecrets(global string, perServer map[string]string) {
	next := tokenSecrets{
		global:    strings.TrimSpace(global),
		perServer: make(map[string]string, len(perServer)),
	}
	for server, secret := range perServer {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		next.perServer[server] = strings.TrimSpace(secret)
	}
	v.secrets.Store(next)
	v.log.Infof("updated portal token secrets: global=%s perServer=%d entries",
		describeSecret(next.global), len(next.perServer))
}

// Verify reports whether token is valid for the given destination. A
// per-destination secret takes precedence over the global one; with no
// secrets configured at all, verification fails closed.
func (v *TokenVerifier) Verify(destination, token string) bool {
	token = strings.TrimSpace(token)
	secrets := v.secrets.Load().(tokenSecrets)

	if perServer := secrets.perServer[destination]; perServer != "" {
		return constantTimeEquals(perServer, token)
	}
	if secrets.global != "" {
		return constantTimeEquals(secrets.global, token)
	}

	v.log.Warnf("portal token rejected: no secret configured for destination %q", destination)
	return false
}

// constantTimeEquals compares secrets without revealing the position of the
// first mismatch. Length mismatches fail, as with any comparison.
func constantTimeEquals(expected, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

func describeSecret(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "(set)"
}
