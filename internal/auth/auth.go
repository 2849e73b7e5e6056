// Package auth resolves bearer tokens to caller identities from the static
// principal table in the gateway config.
package auth

import (
	"net/http"
	"strings"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/pkg/models"
)

type Authenticator struct {
	byToken map[string]models.Caller
}

func New(principals []config.Principal) *Authenticator {
	byToken := make(map[string]models.Caller, len(principals))
	for _, p := range principals {
		token := strings.TrimSpace(p.Token)
		if token == "" {
			continue
		}
		byToken[token] = models.Caller{
			UserID: p.UserID,
			Org:    p.Org,
			Role:   strings.ToUpper(strings.TrimSpace(p.Role)),
		}
	}
	return &Authenticator{byToken: byToken}
}

// Resolve extracts the bearer token and maps it to a caller. The zero Caller
// with ok=false means anonymous.
func (a *Authenticator) Resolve(r *http.Request) (models.Caller, bool) {
	token := ExtractToken(r)
	if token == "" {
		return models.Caller{}, false
	}
	caller, ok := a.byToken[token]
	return caller, ok
}

func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
