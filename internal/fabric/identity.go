package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Resolver looks up signing credentials for a user: in-process cache first,
// then the CA enrollment service, then the local wallet. The first source that
// answers wins; CA hits are persisted to the wallet so the gateway survives CA
// outages.
type Resolver struct {
	wallet     *Wallet
	caURL      string
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedCreds
	ttl   time.Duration

	now func() time.Time
}

type cachedCreds struct {
	creds     Credentials
	fetchedAt time.Time
}

func NewResolver(wallet *Wallet, caURL string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		wallet:     wallet,
		caURL:      strings.TrimRight(strings.TrimSpace(caURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		cache:      make(map[string]cachedCreds),
		ttl:        10 * time.Minute,
		now:        time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, userID string) (Credentials, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Credentials{}, fmt.Errorf("%w: empty user id", ErrIdentityNotFound)
	}

	r.mu.Lock()
	if c, ok := r.cache[userID]; ok && r.now().Sub(c.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return c.creds, nil
	}
	r.mu.Unlock()

	if r.caURL != "" {
		creds, err := r.fetchFromCA(ctx, userID)
		if err == nil {
			r.store(userID, creds)
			if r.wallet != nil {
				if werr := r.wallet.Put(userID, creds); werr != nil {
					r.log.Warn("failed to persist identity to wallet", "user_id", userID, "error", werr)
				}
			}
			return creds, nil
		}
		r.log.Warn("ca lookup failed, falling back to wallet", "user_id", userID, "error", err)
	}

	creds, err := r.wallet.Get(userID)
	if err != nil {
		return Credentials{}, err
	}
	r.store(userID, creds)
	return creds, nil
}

func (r *Resolver) store(userID string, creds Credentials) {
	r.mu.Lock()
	r.cache[userID] = cachedCreds{creds: creds, fetchedAt: r.now()}
	r.mu.Unlock()
}

// Forget drops a cached identity, forcing the next Resolve to re-fetch.
func (r *Resolver) Forget(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

type caIdentityResponse struct {
	MSPID       string `json:"msp_id"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

func (r *Resolver) fetchFromCA(ctx context.Context, userID string) (Credentials, error) {
	endpoint := r.caURL + "/identities/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Credentials{}, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Credentials{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, userID)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("ca service returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, err
	}
	var payload caIdentityResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, fmt.Errorf("decode ca response: %w", err)
	}
	if payload.Certificate == "" || payload.PrivateKey == "" {
		return Credentials{}, fmt.Errorf("ca response missing credential material for %s", userID)
	}
	return Credentials{
		MSPID:       payload.MSPID,
		Certificate: []byte(payload.Certificate),
		PrivateKey:  []byte(payload.PrivateKey),
	}, nil
}
