package wikibot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"
	"github.com/mrjones/oauth"

	"github.com/mwkit/wikibot/apicache"
	"github.com/mwkit/wikibot/params"
)

// If you modify this package, please change the user agent.
const DefaultUserAgent = "wikibot (https://github.com/mwkit/wikibot)"

const (
	// AssertNone is used to disable API assertion.
	AssertNone string = ""
	// AssertUser is used to assert that the client is logged in.
	AssertUser string = "user"
	// AssertBot is used to assert that the client is logged in as a bot.
	AssertBot string = "bot"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Maxlag contains maxlag configuration for a Client. See
// https://www.mediawiki.org/wiki/Manual:Maxlag_parameter for details
// about maxlag.
type Maxlag struct {
	// If true, API requests will set the maxlag parameter.
	On bool

	// The maxlag parameter to send to the server, in seconds.
	Timeout string

	// Specifies how many times to retry a request before returning
	// ErrAPIBusy.
	Retries int
}

// Retry bounds the automatic retrying of requests that failed for
// transient reasons (timeouts, 5xx responses, rate limiting). Only
// read requests are retried this way; the outcome of a failed write
// is unknown, so writes are left to the save queue's recovery logic.
type Retry struct {
	// Max is the number of retries after the initial attempt.
	Max int

	// Backoff is the wait before the first retry. It doubles on each
	// further retry, capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Client represents the API client. A Client is bound to one wiki's
// api.php endpoint. All methods are safe for concurrent use.
type Client struct {
	httpc     *http.Client
	apiURL    *url.URL
	format    string
	UserAgent string
	Maxlag    Maxlag
	Retry     Retry

	// If Assert is assigned the value of consts AssertUser or
	// AssertBot, the 'assert' parameter will be added to API requests
	// with the relevant value. See
	// https://www.mediawiki.org/wiki/API:Assert for details.
	Assert string

	wallet tokenWallet

	log      *slog.Logger
	cache    *apicache.Cache
	cacheTTL time.Duration

	sleep sleepFunc
}

// New returns a pointer to an initialized Client object. If the
// provided API URL is invalid (as defined by the net/url package),
// then it will return nil and the error from url.Parse().
//
// The userAgent parameter will be joined with the DefaultUserAgent
// variable. Please specify a user agent that makes it possible to
// contact you if your bot misbehaves; some wikis refuse generic
// agents outright.
func New(inURL, userAgent string) (*Client, error) {
	apiurl, err := url.Parse(inURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid API URL")
	}
	if strings.TrimSpace(userAgent) == "" {
		return nil, errors.New("userAgent must not be empty")
	}

	cjar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "new cookie jar")
	}

	return &Client{
		httpc: &http.Client{
			Jar:     cjar,
			Timeout: 30 * time.Second,
		},
		apiURL:    apiurl,
		format:    "json",
		UserAgent: fmt.Sprintf("%s (%s)", userAgent, DefaultUserAgent),
		Maxlag: Maxlag{
			On:      false,
			Timeout: "5",
			Retries: 3,
		},
		Retry: Retry{
			Max:        3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		wallet: newTokenWallet(),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:  sleepContext,
	}, nil
}

// NewOAuth is like New, but the returned client signs every request
// with the given OAuth 1.0a owner-only credentials instead of using a
// cookie session. See https://www.mediawiki.org/wiki/OAuth/Owner-only_consumers.
func NewOAuth(inURL, userAgent, consumerToken, consumerSecret, accessToken, accessSecret string) (*Client, error) {
	w, err := New(inURL, userAgent)
	if err != nil {
		return nil, err
	}
	if err := w.OAuth(consumerToken, consumerSecret, accessToken, accessSecret); err != nil {
		return nil, err
	}
	return w, nil
}

// OAuth switches the client to OAuth 1.0a request signing. The cookie
// jar and timeout carry over from the current HTTP client.
func (w *Client) OAuth(consumerToken, consumerSecret, accessToken, accessSecret string) error {
	if consumerToken == "" || consumerSecret == "" || accessToken == "" || accessSecret == "" {
		return errors.New("OAuth credentials must not be empty")
	}
	consumer := oauth.NewConsumer(consumerToken, consumerSecret, oauth.ServiceProvider{})
	httpc, err := consumer.MakeHttpClient(&oauth.AccessToken{
		Token:  accessToken,
		Secret: accessSecret,
	})
	if err != nil {
		return errors.Wrap(err, "make OAuth HTTP client")
	}
	httpc.Jar = w.httpc.Jar
	httpc.Timeout = w.httpc.Timeout
	w.httpc = httpc
	return nil
}

// SetLogger routes the client's diagnostics (retries, lag waits,
// cache activity) to l. By default they are discarded.
func (w *Client) SetLogger(l *slog.Logger) {
	if l != nil {
		w.log = l
	}
}

// SetCache attaches a response cache. Query GETs are answered from
// the cache when possible and stored with the given ttl otherwise.
func (w *Client) SetCache(c *apicache.Cache, ttl time.Duration) {
	w.cache = c
	w.cacheTTL = ttl
}

// SetTimeout changes the timeout applied to every HTTP request,
// including reading the response body. New clients start at 30
// seconds.
func (w *Client) SetTimeout(d time.Duration) {
	w.httpc.Timeout = d
}

// DumpCookies exports the cookies stored in the client.
func (w *Client) DumpCookies() []*http.Cookie {
	return w.httpc.Jar.Cookies(w.apiURL)
}

// LoadCookies imports cookies into the client.
func (w *Client) LoadCookies(cookies []*http.Cookie) {
	w.httpc.Jar.SetCookies(w.apiURL, cookies)
}

// Actions that modify the wiki. Unknown actions are treated as writes
// when they carry a token, so new API modules fail safe.
var writeActions = map[string]bool{
	"edit":          true,
	"move":          true,
	"delete":        true,
	"undelete":      true,
	"upload":        true,
	"rollback":      true,
	"protect":       true,
	"block":         true,
	"unblock":       true,
	"import":        true,
	"emailuser":     true,
	"createaccount": true,
	"login":         true,
	"logout":        true,
	"watch":         true,
	"patrol":        true,
	"thank":         true,
}

func writeAction(p params.Values) bool {
	return writeActions[p.Get("action")] || p.Get("token") != ""
}

// call makes a GET or POST request to the API, handling maxlag
// rejections and transient failures along the way. call mutates p by
// setting the format, assert, and maxlag parameters.
func (w *Client) call(ctx context.Context, p params.Values, post bool) ([]byte, error) {
	p.Set("format", w.format)
	p.Set("formatversion", "2")
	if w.Assert != AssertNone {
		p.Set("assert", w.Assert)
	}
	if w.Maxlag.On {
		p.Set("maxlag", w.Maxlag.Timeout)
	}

	var key string
	cacheable := !post && w.cache != nil &&
		p.Get("action") == "query" && p.Get("token") == ""
	if cacheable {
		key = w.apiURL.String() + "?" + p.Encode()
		if body, ok := w.cache.Get(ctx, key); ok {
			w.log.Debug("answered from cache", "key", key)
			return body, nil
		}
	}

	write := writeAction(p)
	backoff := w.Retry.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	lagged, transient := 0, 0
	for {
		body, err := w.once(ctx, p, post)
		if err == nil {
			if cacheable {
				if cerr := w.cache.Put(ctx, key, body, w.cacheTTL); cerr != nil {
					w.log.Debug("cache store failed", "error", cerr)
				}
			}
			return body, nil
		}

		var lagErr maxLagError
		if errors.As(err, &lagErr) {
			lagged++
			if lagged >= w.Maxlag.Retries {
				return nil, ErrAPIBusy
			}
			w.log.Info("server lagged, waiting",
				"wait_s", lagErr.Wait, "attempt", lagged)
			if serr := w.sleep(ctx, time.Duration(lagErr.Wait)*time.Second); serr != nil {
				return nil, serr
			}
			continue
		}

		// A lost write may or may not have committed; retrying it
		// blindly can apply it twice. That recovery belongs to the
		// save queue, not here.
		if write || Classify(err) != KindRetryable || transient >= w.Retry.Max {
			return nil, err
		}
		transient++
		wait := backoff
		var httpErr HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		w.log.Info("transient API failure, retrying",
			"error", err, "wait", wait, "attempt", transient)
		if serr := w.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
		backoff *= 2
		if w.Retry.MaxBackoff > 0 && backoff > w.Retry.MaxBackoff {
			backoff = w.Retry.MaxBackoff
		}
	}
}

// once performs a single HTTP round-trip against the API endpoint.
func (w *Client) once(ctx context.Context, p params.Values, post bool) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if post {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost,
			w.apiURL.String(), strings.NewReader(p.Encode()))
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet,
			w.apiURL.String()+"?"+p.Encode(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to build API request")
	}
	req.Header.Set("User-Agent", w.UserAgent)
	if post {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "API request failed")
	}
	defer resp.Body.Close()

	// Lag rejections arrive with a lag header rather than an error
	// envelope. Only look for them when we ask for maxlag handling.
	if w.Maxlag.On {
		if lag := resp.Header.Get("X-Database-Lag"); lag != "" {
			retryAfter, cerr := strconv.Atoi(resp.Header.Get("Retry-After"))
			if cerr != nil {
				retryAfter = 5
			}
			return nil, maxLagError{
				Message: fmt.Sprintf("database lagged %s seconds behind", lag),
				Wait:    retryAfter,
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, cerr := strconv.Atoi(s); cerr == nil {
				httpErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		io.Copy(io.Discard, resp.Body)
		return nil, httpErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read API response")
	}
	return body, nil
}

// parseResponse turns a response body into a jason object and checks
// it for the API's error and warning envelopes. If the API returned
// warnings, both the response and an APIWarnings error are returned;
// the response is still usable.
func parseResponse(body []byte) (*jason.Object, error) {
	js, err := jason.NewObjectFromBytes(body)
	if err != nil {
		return nil, errors.Wrap(err, "the API did not return valid JSON")
	}
	return js, extractAPIErrors(js)
}

// Get performs a GET request with the specified parameters and checks
// the response for API errors and warnings.
func (w *Client) Get(ctx context.Context, p params.Values) (*jason.Object, error) {
	body, err := w.call(ctx, p, false)
	if err != nil {
		return nil, err
	}
	return parseResponse(body)
}

// GetRaw performs a GET request with the specified parameters and
// returns the raw response body. The response is not checked for API
// errors or warnings.
func (w *Client) GetRaw(ctx context.Context, p params.Values) ([]byte, error) {
	return w.call(ctx, p, false)
}

// Post performs a POST request with the specified parameters and
// checks the response for API errors and warnings.
func (w *Client) Post(ctx context.Context, p params.Values) (*jason.Object, error) {
	body, err := w.call(ctx, p, true)
	if err != nil {
		return nil, err
	}
	return parseResponse(body)
}

// PostRaw performs a POST request with the specified parameters and
// returns the raw response body. The response is not checked for API
// errors or warnings.
func (w *Client) PostRaw(ctx context.Context, p params.Values) ([]byte, error) {
	return w.call(ctx, p, true)
}
