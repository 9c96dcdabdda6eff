package wikibot

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mwkit/wikibot/params"
	"github.com/mwkit/wikibot/throttle"
)

// Namespace describes one namespace of a wiki.
type Namespace struct {
	ID            int
	Name          string // localized name; empty for the main namespace
	Canonical     string // canonical English name; empty for the main namespace
	Aliases       []string
	Content       bool // pages here count as content ("articles")
	CaseSensitive bool
}

// SiteInfo holds the per-wiki metadata the library consults: version,
// language, namespace table, and installed extensions. It is fetched
// once per Site and cached for the process lifetime.
type SiteInfo struct {
	SiteName  string
	Server    string
	Lang      string
	Generator string // e.g. "MediaWiki 1.43.0-wmf.2"

	// CaseSensitiveTitles is true on wikis (like Wiktionary) where the
	// first letter of a title is not forced to upper case.
	CaseSensitiveTitles bool

	Namespaces map[int]Namespace
	Extensions map[string]bool

	major, minor int
	nsIndex      map[string]int
	caser        cases.Caser
}

// lookupNamespace resolves a namespace prefix (localized, canonical,
// or alias, any case) to its id.
func (si *SiteInfo) lookupNamespace(name string) (int, bool) {
	id, ok := si.nsIndex[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Site represents one wiki, identified by family and language code.
// It owns that wiki's API client, throttle, metadata cache, and save
// queue. Sites are created by a Registry (or NewSite) and are meant
// to be shared; all methods are safe for concurrent use.
type Site struct {
	Family string
	Code   string

	client   *Client
	throttle *throttle.Throttle
	log      *slog.Logger

	infoMu sync.Mutex
	info   *SiteInfo

	queueMu  sync.Mutex
	queue    *saveQueue
	queueCfg QueueConfig
}

func newSite(client *Client, family, code string, th *throttle.Throttle, qcfg QueueConfig, log *slog.Logger) *Site {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Site{
		Family:   family,
		Code:     code,
		client:   client,
		throttle: th,
		queueCfg: qcfg,
	}
	s.log = log.With("site", s.String())
	client.SetLogger(s.log)
	return s
}

// NewSite wraps an existing Client in a Site with default throttle
// and queue settings. Most callers want a Registry instead, which
// shares one Site per wiki across the whole process.
func NewSite(client *Client, family, code string) *Site {
	return newSite(client, family, code,
		throttle.New(DefaultWriteDelay, 0), DefaultQueueConfig(), nil)
}

func (s *Site) String() string {
	return s.Family + ":" + s.Code
}

// Client returns the site's API client for requests the higher-level
// methods do not cover.
func (s *Site) Client() *Client {
	return s.client
}

// Throttle returns the site's request throttle.
func (s *Site) Throttle() *throttle.Throttle {
	return s.throttle
}

// SiteInfo returns the wiki's metadata, fetching it on first use.
func (s *Site) SiteInfo(ctx context.Context) (*SiteInfo, error) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if s.info != nil {
		return s.info, nil
	}

	if err := s.throttle.WaitRead(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, params.Values{
		"action": "query",
		"meta":   "siteinfo",
		"siprop": "general|namespaces|namespacealiases|extensions",
	})
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return nil, errors.Wrapf(err, "fetch siteinfo for %s", s)
		}
	}

	info, err := parseSiteInfo(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "parse siteinfo for %s", s)
	}
	s.info = info
	s.log.Debug("siteinfo loaded",
		"version", info.Generator, "namespaces", len(info.Namespaces))
	return s.info, nil
}

// InvalidateInfo drops the cached metadata so the next use refetches
// it. Call it when the wiki was upgraded or reconfigured mid-run.
func (s *Site) InvalidateInfo() {
	s.infoMu.Lock()
	s.info = nil
	s.infoMu.Unlock()
}

// cachedInfo returns the metadata only if it is already loaded.
func (s *Site) cachedInfo() *SiteInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info
}

func parseSiteInfo(resp *jason.Object) (*SiteInfo, error) {
	general, err := resp.GetObject("query", "general")
	if err != nil {
		return nil, errors.New("no query.general in siteinfo response")
	}

	info := &SiteInfo{
		Namespaces: make(map[int]Namespace),
		Extensions: make(map[string]bool),
		nsIndex:    make(map[string]int),
	}
	info.SiteName, _ = general.GetString("sitename")
	info.Server, _ = general.GetString("server")
	info.Lang, _ = general.GetString("lang")
	info.Generator, _ = general.GetString("generator")
	if c, err := general.GetString("case"); err == nil {
		info.CaseSensitiveTitles = c == "case-sensitive"
	}
	info.major, info.minor = parseMWVersion(info.Generator)
	info.caser = cases.Upper(language.Make(info.Lang))

	namespaces, err := resp.GetObject("query", "namespaces")
	if err != nil {
		return nil, errors.New("no query.namespaces in siteinfo response")
	}
	for _, v := range namespaces.Map() {
		obj, err := v.Object()
		if err != nil {
			continue
		}
		id, err := obj.GetInt64("id")
		if err != nil {
			continue
		}
		ns := Namespace{ID: int(id)}
		ns.Name, _ = obj.GetString("name")
		ns.Canonical, _ = obj.GetString("canonical")
		ns.Content, _ = obj.GetBoolean("content")
		if c, err := obj.GetString("case"); err == nil {
			ns.CaseSensitive = c == "case-sensitive"
		}
		info.Namespaces[ns.ID] = ns
		if ns.Name != "" {
			info.nsIndex[strings.ToLower(ns.Name)] = ns.ID
		}
		if ns.Canonical != "" {
			info.nsIndex[strings.ToLower(ns.Canonical)] = ns.ID
		}
	}

	if aliases, err := resp.GetObjectArray("query", "namespacealiases"); err == nil {
		for _, obj := range aliases {
			id, err := obj.GetInt64("id")
			if err != nil {
				continue
			}
			alias, err := obj.GetString("alias")
			if err != nil {
				continue
			}
			info.nsIndex[strings.ToLower(alias)] = int(id)
			ns := info.Namespaces[int(id)]
			ns.Aliases = append(ns.Aliases, alias)
			info.Namespaces[int(id)] = ns
		}
	}

	if exts, err := resp.GetObjectArray("query", "extensions"); err == nil {
		for _, obj := range exts {
			if name, err := obj.GetString("name"); err == nil {
				info.Extensions[name] = true
			}
		}
	}

	return info, nil
}

// parseMWVersion extracts major.minor from a generator string like
// "MediaWiki 1.43.0-wmf.2".
func parseMWVersion(generator string) (major, minor int) {
	v := strings.TrimPrefix(generator, "MediaWiki ")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0
	}
	minor, err = strconv.Atoi(strings.SplitN(parts[1], "-", 2)[0])
	if err != nil {
		return major, 0
	}
	return major, minor
}

// Namespaces returns the wiki's namespace table keyed by id.
func (s *Site) Namespaces(ctx context.Context) (map[int]Namespace, error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Namespaces, nil
}

// Namespace returns the namespace with the given id.
func (s *Site) Namespace(ctx context.Context, id int) (Namespace, error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return Namespace{}, err
	}
	ns, ok := info.Namespaces[id]
	if !ok {
		return Namespace{}, errors.Newf("%s has no namespace %d", s, id)
	}
	return ns, nil
}

// ResolveNamespace resolves a namespace name, canonical name, or
// alias to its id. ok is false if the name names no namespace.
func (s *Site) ResolveNamespace(ctx context.Context, name string) (id int, ok bool, err error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return 0, false, err
	}
	id, ok = info.lookupNamespace(name)
	return id, ok, nil
}

// Version returns the wiki's generator string, e.g.
// "MediaWiki 1.43.0".
func (s *Site) Version(ctx context.Context) (string, error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Generator, nil
}

// VersionAtLeast reports whether the wiki runs MediaWiki
// major.minor or newer.
func (s *Site) VersionAtLeast(ctx context.Context, major, minor int) (bool, error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.major != major {
		return info.major > major, nil
	}
	return info.minor >= minor, nil
}

// HasExtension reports whether the named extension is installed on
// the wiki.
func (s *Site) HasExtension(ctx context.Context, name string) (bool, error) {
	info, err := s.SiteInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.Extensions[name], nil
}

// NormalizeTitle puts a title into the canonical form the wiki itself
// would use: underscores to spaces, collapsed whitespace, a resolved
// namespace prefix, and upper-cased first letter where the wiki does
// that.
func (s *Site) NormalizeTitle(ctx context.Context, title string) (string, error) {
	if _, err := s.SiteInfo(ctx); err != nil {
		return "", err
	}
	return s.normalizeTitle(title), nil
}

// normalizeTitle is NormalizeTitle against whatever metadata is
// already cached. Without metadata it still fixes whitespace and
// applies default casing, which keeps queue keys stable, but it
// cannot resolve localized namespace aliases.
func (s *Site) normalizeTitle(title string) string {
	title = strings.ReplaceAll(title, "_", " ")
	title = strings.Join(strings.Fields(title), " ")
	title = strings.TrimPrefix(title, ":")
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}

	info := s.cachedInfo()

	var nsPrefix string
	rest := title
	caseSensitive := info != nil && info.CaseSensitiveTitles
	if prefix, after, found := strings.Cut(title, ":"); found && info != nil {
		if id, ok := info.lookupNamespace(prefix); ok {
			ns := info.Namespaces[id]
			switch {
			case ns.Name != "":
				nsPrefix = ns.Name + ":"
			case ns.Canonical != "":
				nsPrefix = ns.Canonical + ":"
			}
			rest = strings.TrimSpace(after)
			caseSensitive = ns.CaseSensitive
		}
	}

	if !caseSensitive {
		caser := cases.Upper(language.Und)
		if info != nil {
			caser = info.caser
		}
		rest = ucfirst(rest, caser)
	}
	return nsPrefix + rest
}

func ucfirst(s string, caser cases.Caser) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return caser.String(s[:size]) + s[size:]
}
