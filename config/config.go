// Package config loads bot settings from a YAML file and the
// environment and turns them into a wikibot site registry.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mwkit/wikibot"
)

// Config holds everything a bot run needs. Durations accept Go
// notation such as "90s" or "2m". Every value can also come from the
// environment with a WIKIBOT_ prefix, nested keys joined with
// underscores: WIKIBOT_MAXLAG_TIMEOUT overrides maxlag.timeout.
type Config struct {
	// UserAgent identifies the bot operator to the wikis it runs
	// against. Required; include contact details.
	UserAgent string

	// HTTPTimeout bounds one API round trip, response body included.
	HTTPTimeout time.Duration

	Maxlag MaxlagConfig
	Retry  RetryConfig

	// Assert, when "user" or "bot", makes the server reject requests
	// made with lapsed credentials.
	Assert string

	// WriteDelay spaces successive writes per site.
	WriteDelay time.Duration

	// ReadsPerSecond rate-limits reads per site. 0 leaves reads
	// unthrottled.
	ReadsPerSecond float64

	Queue QueueConfig
	Cache CacheConfig
	OAuth OAuthConfig

	// Families lists wiki families beyond the built-in Wikimedia
	// ones. In family URLs, %s stands for the language code.
	Families []FamilyConfig
}

// MaxlagConfig backs off when the wiki's replicas lag.
type MaxlagConfig struct {
	On      bool
	Timeout string
	Retries int
}

// RetryConfig bounds the automatic retrying of failed reads.
type RetryConfig struct {
	Max        int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// QueueConfig bounds each site's background save queue.
type QueueConfig struct {
	Workers         int
	Depth           int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// CacheConfig points at an on-disk cache for read responses. An
// empty path disables caching.
type CacheConfig struct {
	Path string
	TTL  time.Duration
}

// OAuthConfig holds OAuth 1.0a owner-only credentials. All four must
// be set for them to take effect.
type OAuthConfig struct {
	ConsumerToken  string `mapstructure:"consumer_token"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	AccessToken    string `mapstructure:"access_token"`
	AccessSecret   string `mapstructure:"access_secret"`
}

// FamilyConfig names one additional wiki family.
type FamilyConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// Default returns the settings a fresh bot starts from. They follow
// the etiquette expected on Wikimedia wikis: maxlag on and writes ten
// seconds apart.
func Default() Config {
	qc := wikibot.DefaultQueueConfig()
	return Config{
		HTTPTimeout: 30 * time.Second,
		Maxlag: MaxlagConfig{
			On:      true,
			Timeout: "5",
			Retries: 3,
		},
		Retry: RetryConfig{
			Max:        3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		WriteDelay: wikibot.DefaultWriteDelay,
		Queue: QueueConfig{
			Workers:         qc.Workers,
			Depth:           qc.Depth,
			MaxRetries:      qc.MaxRetries,
			RetryBackoff:    qc.RetryBackoff,
			MaxRetryBackoff: qc.MaxRetryBackoff,
		},
	}
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("http_timeout", def.HTTPTimeout)
	v.SetDefault("maxlag.on", def.Maxlag.On)
	v.SetDefault("maxlag.timeout", def.Maxlag.Timeout)
	v.SetDefault("maxlag.retries", def.Maxlag.Retries)
	v.SetDefault("retry.max", def.Retry.Max)
	v.SetDefault("retry.backoff", def.Retry.Backoff)
	v.SetDefault("retry.max_backoff", def.Retry.MaxBackoff)
	v.SetDefault("assert", def.Assert)
	v.SetDefault("write_delay", def.WriteDelay)
	v.SetDefault("reads_per_second", def.ReadsPerSecond)
	v.SetDefault("queue.workers", def.Queue.Workers)
	v.SetDefault("queue.depth", def.Queue.Depth)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.retry_backoff", def.Queue.RetryBackoff)
	v.SetDefault("queue.max_retry_backoff", def.Queue.MaxRetryBackoff)
	v.SetDefault("cache.path", def.Cache.Path)
	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("oauth.consumer_token", "")
	v.SetDefault("oauth.consumer_secret", "")
	v.SetDefault("oauth.access_token", "")
	v.SetDefault("oauth.access_secret", "")
}

// Load reads the configuration file at path, layered under
// environment overrides. An empty path loads defaults and
// environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WIKIBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "unable to read %s", path)
		}
	}

	cfg := Config{
		UserAgent:   v.GetString("user_agent"),
		HTTPTimeout: v.GetDuration("http_timeout"),
		Maxlag: MaxlagConfig{
			On:      v.GetBool("maxlag.on"),
			Timeout: v.GetString("maxlag.timeout"),
			Retries: v.GetInt("maxlag.retries"),
		},
		Retry: RetryConfig{
			Max:        v.GetInt("retry.max"),
			Backoff:    v.GetDuration("retry.backoff"),
			MaxBackoff: v.GetDuration("retry.max_backoff"),
		},
		Assert:         v.GetString("assert"),
		WriteDelay:     v.GetDuration("write_delay"),
		ReadsPerSecond: v.GetFloat64("reads_per_second"),
		Queue: QueueConfig{
			Workers:         v.GetInt("queue.workers"),
			Depth:           v.GetInt("queue.depth"),
			MaxRetries:      v.GetInt("queue.max_retries"),
			RetryBackoff:    v.GetDuration("queue.retry_backoff"),
			MaxRetryBackoff: v.GetDuration("queue.max_retry_backoff"),
		},
		Cache: CacheConfig{
			Path: v.GetString("cache.path"),
			TTL:  v.GetDuration("cache.ttl"),
		},
		OAuth: OAuthConfig{
			ConsumerToken:  v.GetString("oauth.consumer_token"),
			ConsumerSecret: v.GetString("oauth.consumer_secret"),
			AccessToken:    v.GetString("oauth.access_token"),
			AccessSecret:   v.GetString("oauth.access_secret"),
		},
	}
	if err := v.UnmarshalKey("families", &cfg.Families); err != nil {
		return Config{}, errors.Wrap(err, "unable to decode families")
	}
	return cfg, nil
}

// Settings converts the configuration into registry settings. The
// caller attaches a logger if wanted.
func (c Config) Settings() wikibot.Settings {
	return wikibot.Settings{
		UserAgent:   c.UserAgent,
		HTTPTimeout: c.HTTPTimeout,
		Maxlag: wikibot.Maxlag{
			On:      c.Maxlag.On,
			Timeout: c.Maxlag.Timeout,
			Retries: c.Maxlag.Retries,
		},
		Retry: wikibot.Retry{
			Max:        c.Retry.Max,
			Backoff:    c.Retry.Backoff,
			MaxBackoff: c.Retry.MaxBackoff,
		},
		Assert:         c.Assert,
		WriteDelay:     c.WriteDelay,
		ReadsPerSecond: c.ReadsPerSecond,
		Queue: wikibot.QueueConfig{
			Workers:         c.Queue.Workers,
			Depth:           c.Queue.Depth,
			MaxRetries:      c.Queue.MaxRetries,
			RetryBackoff:    c.Queue.RetryBackoff,
			MaxRetryBackoff: c.Queue.MaxRetryBackoff,
		},
		CachePath:      c.Cache.Path,
		CacheTTL:       c.Cache.TTL,
		ConsumerToken:  c.OAuth.ConsumerToken,
		ConsumerSecret: c.OAuth.ConsumerSecret,
		AccessToken:    c.OAuth.AccessToken,
		AccessSecret:   c.OAuth.AccessSecret,
	}
}

// Registry builds a site registry from the configuration. logger may
// be nil, which discards diagnostics.
func (c Config) Registry(logger *slog.Logger) (*wikibot.Registry, error) {
	if strings.TrimSpace(c.UserAgent) == "" {
		return nil, errors.New("user_agent must be set")
	}
	s := c.Settings()
	s.Logger = logger
	r := wikibot.NewRegistry(s)
	for _, f := range c.Families {
		if f.Name == "" || f.URL == "" {
			return nil, errors.Newf("family %q needs both name and url", f.Name)
		}
		r.RegisterFamily(wikibot.Family{Name: f.Name, URL: f.URL})
	}
	return r, nil
}

const defaultTemplate = `# wikibot configuration.
#
# Every value can also come from the environment with a WIKIBOT_
# prefix, e.g. WIKIBOT_USER_AGENT or WIKIBOT_MAXLAG_TIMEOUT.

# Identifies you to the wikis the bot runs against. Required; include
# contact details so operators can reach you.
user_agent: ""

# Bounds one API round trip, response body included.
http_timeout: 30s

# Back off when the wiki's replicas lag. Expected etiquette on
# Wikimedia wikis.
maxlag:
  on: true
  timeout: "5"
  retries: 3

# Automatic retrying of reads that failed for transient reasons.
retry:
  max: 3
  backoff: 1s
  max_backoff: 30s

# Sent with every request once logged in: "user" or "bot".
assert: ""

# Minimum spacing between writes per site.
write_delay: 10s

# Read requests per second per site. 0 means unthrottled.
reads_per_second: 0

# The background save queue.
queue:
  workers: 1
  depth: 128
  max_retries: 3
  retry_backoff: 5s
  max_retry_backoff: 2m

# On-disk cache for read responses. An empty path disables it.
cache:
  path: ""
  ttl: 0s

# OAuth 1.0a owner-only credentials. Leave empty to log in with a
# username and password instead.
oauth:
  consumer_token: ""
  consumer_secret: ""
  access_token: ""
  access_secret: ""

# Wiki families beyond the built-in Wikimedia ones. %s stands for the
# language code.
#families:
#  - name: mywiki
#    url: https://wiki.example.org/w/api.php
`

// WriteDefault writes a commented starter configuration to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("%s already exists", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to stat %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, []byte(defaultTemplate), 0o600),
		"unable to write %s", path)
}

// Credentials are login secrets kept in their own file so the main
// configuration can be committed or shared.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadCredentials reads a YAML credentials file.
func LoadCredentials(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "unable to read credentials")
	}
	var c Credentials
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Credentials{}, errors.Wrap(err, "unable to decode credentials")
	}
	return c, nil
}

// SaveCredentials writes credentials with owner-only permissions.
func SaveCredentials(path string, c Credentials) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "unable to encode credentials")
	}
	return errors.Wrap(os.WriteFile(path, out, 0o600), "unable to write credentials")
}
