package wikibot

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/mwkit/wikibot/params"
)

// These consts represents MW API token names.
// They are meant to be used with the GetToken method like so:
//	ClientInstance.GetToken(ctx, wikibot.CSRFToken)
const (
	CSRFToken                   = "csrf"
	DeleteGlobalAccountToken    = "deleteglobalaccount"
	LoginToken                  = "login"
	PatrolToken                 = "patrol"
	RollbackToken               = "rollback"
	SetGlobalAccountStatusToken = "setglobalaccountstatus"
	UserRightsToken             = "userrights"
	WatchToken                  = "watch"
)

// tokenWallet caches API tokens by token name. Lookups that miss are
// collapsed through a singleflight group so concurrent workers cause
// one fetch, not a thundering herd.
type tokenWallet struct {
	mu      sync.RWMutex
	entries map[string]walletEntry
	group   singleflight.Group
}

type walletEntry struct {
	value   string
	fetched time.Time
}

func newTokenWallet() tokenWallet {
	return tokenWallet{entries: make(map[string]walletEntry)}
}

func (t *tokenWallet) get(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e.value, ok
}

func (t *tokenWallet) set(name, value string) {
	t.mu.Lock()
	t.entries[name] = walletEntry{value: value, fetched: time.Now()}
	t.mu.Unlock()
}

// invalidate removes the entry for name, but only while it still holds
// the rejected value. A worker invalidating a stale token must not
// throw away a fresh one that another worker already fetched.
func (t *tokenWallet) invalidate(name, rejected string) {
	t.mu.Lock()
	if e, ok := t.entries[name]; ok && e.value == rejected {
		delete(t.entries, name)
	}
	t.mu.Unlock()
}

func (t *tokenWallet) clear() {
	t.mu.Lock()
	t.entries = make(map[string]walletEntry)
	t.mu.Unlock()
}

// GetToken returns a specified token (and an error if this is not
// possible). If the token is not already cached, it will be retrieved
// via the API. Concurrent calls for the same token name share one API
// request.
//
// tokenName should be "csrf" (or whatever), not "csrftoken". The
// token consts (e.g., wikibot.CSRFToken) should be used as the
// tokenName argument.
func (w *Client) GetToken(ctx context.Context, tokenName string) (string, error) {
	if token, ok := w.wallet.get(tokenName); ok {
		return token, nil
	}

	v, err, _ := w.wallet.group.Do(tokenName, func() (interface{}, error) {
		// A concurrent fetch may have landed while this call waited
		// its turn in the group.
		if token, ok := w.wallet.get(tokenName); ok {
			return token, nil
		}

		p := params.Values{
			"action": "query",
			"meta":   "tokens",
			"type":   tokenName,
		}
		resp, err := w.Get(ctx, p)
		if err != nil {
			if _, isWarn := err.(APIWarnings); !isWarn {
				return "", err
			}
		}
		token, err := resp.GetString("query", "tokens", tokenName+"token")
		if err != nil {
			return "", errors.Wrapf(err, "no %s token in response", tokenName)
		}
		w.wallet.set(tokenName, token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetToken stores a token under the given name, replacing any cached
// value. Useful for tests and for callers that manage tokens
// themselves.
func (w *Client) SetToken(tokenName, token string) {
	w.wallet.set(tokenName, token)
}

// ClearTokens empties the token cache. Call it after actions that
// invalidate the session's tokens, such as logging in or out.
func (w *Client) ClearTokens() {
	w.wallet.clear()
}

// invalidateToken drops a cached token that the API rejected. The drop
// only happens if the cache still holds the rejected value.
func (w *Client) invalidateToken(tokenName, rejected string) {
	w.wallet.invalidate(tokenName, rejected)
}
