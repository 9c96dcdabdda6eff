package wikibot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/apicache"
	"github.com/mwkit/wikibot/throttle"
)

// DefaultWriteDelay is the minimum spacing between successive writes
// to one site. Ten seconds is the customary pace for unflagged bots
// on Wikimedia wikis.
const DefaultWriteDelay = 10 * time.Second

// Family describes a group of wikis sharing one URL scheme. URL is a
// template in which %s, if present, is replaced by the wiki's
// language code.
type Family struct {
	Name string
	URL  string
}

func (f Family) apiURL(code string) string {
	if strings.Contains(f.URL, "%s") {
		return fmt.Sprintf(f.URL, code)
	}
	return f.URL
}

// The Wikimedia families every Registry knows out of the box.
// Single-site families such as commons ignore the language code.
var builtinFamilies = []Family{
	{Name: "wikipedia", URL: "https://%s.wikipedia.org/w/api.php"},
	{Name: "wiktionary", URL: "https://%s.wiktionary.org/w/api.php"},
	{Name: "wikibooks", URL: "https://%s.wikibooks.org/w/api.php"},
	{Name: "wikinews", URL: "https://%s.wikinews.org/w/api.php"},
	{Name: "wikiquote", URL: "https://%s.wikiquote.org/w/api.php"},
	{Name: "wikisource", URL: "https://%s.wikisource.org/w/api.php"},
	{Name: "wikiversity", URL: "https://%s.wikiversity.org/w/api.php"},
	{Name: "wikivoyage", URL: "https://%s.wikivoyage.org/w/api.php"},
	{Name: "commons", URL: "https://commons.wikimedia.org/w/api.php"},
	{Name: "wikidata", URL: "https://www.wikidata.org/w/api.php"},
	{Name: "species", URL: "https://species.wikimedia.org/w/api.php"},
	{Name: "meta", URL: "https://meta.wikimedia.org/w/api.php"},
	{Name: "mediawiki", URL: "https://www.mediawiki.org/w/api.php"},
}

// Settings configures every Site a Registry hands out.
type Settings struct {
	// UserAgent identifies the bot operator and is joined with the
	// library's own user agent. Required.
	UserAgent string

	// HTTPTimeout bounds each API round trip, response body
	// included. Zero keeps the client default of 30 seconds.
	HTTPTimeout time.Duration

	// Maxlag and Retry configure the request engine. Zero values
	// keep the client defaults.
	Maxlag Maxlag
	Retry  Retry

	// Assert, when AssertUser or AssertBot, makes the server reject
	// requests made with lapsed credentials.
	Assert string

	// WriteDelay spaces successive writes per site. Zero means
	// DefaultWriteDelay; negative disables write throttling.
	WriteDelay time.Duration

	// ReadsPerSecond rate-limits read requests per site. Zero or
	// negative leaves reads unthrottled.
	ReadsPerSecond float64

	// Queue bounds each site's save queue. Zero fields fall back to
	// DefaultQueueConfig.
	Queue QueueConfig

	// Logger receives structured progress and failure logs. Nil
	// discards them.
	Logger *slog.Logger

	// CachePath names a SQLite file for caching read responses
	// across runs; empty disables caching. CacheTTL bounds entry
	// lifetime, zero meaning forever.
	CachePath string
	CacheTTL  time.Duration

	// OAuth 1.0a owner-only credentials, applied to every site's
	// client when all four are set.
	ConsumerToken  string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

func (s Settings) oauthComplete() bool {
	return s.ConsumerToken != "" && s.ConsumerSecret != "" &&
		s.AccessToken != "" && s.AccessSecret != ""
}

// Registry hands out one Site per (family, code) pair, created on
// first use and shared afterwards. Sharing is what makes the write
// throttle and save queue effective: every caller going through the
// registry ends up pacing against the same state.
type Registry struct {
	settings Settings

	mu       sync.Mutex
	families map[string]Family
	sites    map[string]*Site
	cache    *apicache.Cache
}

// NewRegistry returns a registry that knows the Wikimedia families.
// Others can be added with RegisterFamily.
func NewRegistry(settings Settings) *Registry {
	r := &Registry{
		settings: settings,
		families: make(map[string]Family),
		sites:    make(map[string]*Site),
	}
	for _, f := range builtinFamilies {
		r.families[f.Name] = f
	}
	return r
}

// RegisterFamily makes a family available to Site. Registering an
// existing name replaces it; sites already handed out are unaffected.
func (r *Registry) RegisterFamily(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[f.Name] = f
}

// Site returns the site for the given family and language code,
// creating it on first use.
func (r *Registry) Site(family, code string) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := family + ":" + code
	if s, ok := r.sites[key]; ok {
		return s, nil
	}

	f, ok := r.families[family]
	if !ok {
		return nil, errors.Newf("unknown wiki family %q", family)
	}
	s, err := r.buildSite(f, code)
	if err != nil {
		return nil, err
	}
	r.sites[key] = s
	return s, nil
}

// buildSite constructs a Site per r.settings. Callers hold r.mu.
func (r *Registry) buildSite(f Family, code string) (*Site, error) {
	c, err := New(f.apiURL(code), r.settings.UserAgent)
	if err != nil {
		return nil, err
	}
	if r.settings.HTTPTimeout > 0 {
		c.SetTimeout(r.settings.HTTPTimeout)
	}
	if r.settings.Maxlag != (Maxlag{}) {
		c.Maxlag = r.settings.Maxlag
	}
	if r.settings.Retry != (Retry{}) {
		c.Retry = r.settings.Retry
	}
	if r.settings.Assert != AssertNone {
		c.Assert = r.settings.Assert
	}
	if r.settings.oauthComplete() {
		if err := c.OAuth(r.settings.ConsumerToken, r.settings.ConsumerSecret,
			r.settings.AccessToken, r.settings.AccessSecret); err != nil {
			return nil, err
		}
	}
	if r.settings.CachePath != "" {
		if r.cache == nil {
			cache, err := apicache.Open(r.settings.CachePath)
			if err != nil {
				return nil, errors.Wrap(err, "unable to open response cache")
			}
			r.cache = cache
		}
		c.SetCache(r.cache, r.settings.CacheTTL)
	}

	delay := r.settings.WriteDelay
	switch {
	case delay == 0:
		delay = DefaultWriteDelay
	case delay < 0:
		delay = 0
	}
	th := throttle.New(delay, r.settings.ReadsPerSecond)
	return newSite(c, f.Name, code, th, r.settings.Queue, r.settings.Logger), nil
}

// Forget drops the registry's reference to a site so the next Site
// call builds a fresh one. The dropped site keeps working for callers
// that still hold it; drain it with Site.Close first if its queue
// matters.
func (r *Registry) Forget(family, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, family+":"+code)
}

// Shutdown drains every site's save queue, closes the queues against
// further writes, and closes the shared response cache. ctx bounds
// the waiting only; writes already queued still run to completion.
// The registry itself stays usable and will build fresh sites
// afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sites := make([]*Site, 0, len(r.sites))
	for _, s := range r.sites {
		sites = append(sites, s)
	}
	r.sites = make(map[string]*Site)
	cache := r.cache
	r.cache = nil
	r.mu.Unlock()

	var err error
	for _, s := range sites {
		err = errors.CombineErrors(err, s.Close(ctx))
	}
	if cache != nil {
		err = errors.CombineErrors(err, cache.Close())
	}
	return err
}
