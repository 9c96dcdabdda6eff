package wikibot

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// Kind classifies a page by the namespace it lives in. It replaces a
// zoo of page subtypes: a category page is an ordinary Page whose
// Kind is KindCategory.
type Kind int

const (
	KindUnknown Kind = iota
	KindSpecial      // virtual namespaces (Special:, Media:)
	KindArticle
	KindTalk // talk pages of every flavor
	KindUser
	KindProject
	KindFile
	KindMediaWiki
	KindTemplate
	KindHelp
	KindCategory
	KindOther // extension namespaces (Module:, Gadget:, ...)
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindSpecial:   "special",
	KindArticle:   "article",
	KindTalk:      "talk",
	KindUser:      "user",
	KindProject:   "project",
	KindFile:      "file",
	KindMediaWiki: "mediawiki",
	KindTemplate:  "template",
	KindHelp:      "help",
	KindCategory:  "category",
	KindOther:     "other",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindForNamespace maps a namespace id onto a Kind. Talk namespaces
// always carry odd ids; the even built-ins have fixed ids on every
// MediaWiki installation.
func KindForNamespace(ns int) Kind {
	switch {
	case ns < 0:
		return KindSpecial
	case ns == 0:
		return KindArticle
	case ns%2 == 1:
		return KindTalk
	}
	switch ns {
	case 2:
		return KindUser
	case 4:
		return KindProject
	case 6:
		return KindFile
	case 8:
		return KindMediaWiki
	case 10:
		return KindTemplate
	case 12:
		return KindHelp
	case 14:
		return KindCategory
	default:
		return KindOther
	}
}

// Page identifies a wiki page by title and Site. Attributes like text
// and revision id are fetched lazily on first access and cached until
// Invalidate or a successful save. A Page holds a back-reference to
// its Site; it never owns one.
type Page struct {
	site *Site

	mu      sync.Mutex
	title   string
	ns      int
	nsKnown bool
	pageID  int64
	loaded  bool
	missing bool
	text    string
	revID   int64
	baseTS  string // timestamp of the revision text was read from
	startTS string // server time at load; detects deletes during edits
}

// NewPage returns a Page for the given title. No network traffic
// happens until an attribute is accessed. The title is normalized as
// far as locally possible; the canonical form the server reports
// replaces it on first load.
func (s *Site) NewPage(title string) *Page {
	p := &Page{site: s, title: s.normalizeTitle(title)}
	if info := s.cachedInfo(); info != nil {
		p.resolveNamespace(info)
	}
	return p
}

// pageFromListing builds a Page from a query listing entry, which
// carries the canonical title and namespace already.
func pageFromListing(s *Site, title string, ns int, pageID int64) *Page {
	return &Page{
		site:    s,
		title:   title,
		ns:      ns,
		nsKnown: true,
		pageID:  pageID,
	}
}

// resolveNamespace derives the namespace id from the title prefix.
// Callers hold p.mu or have exclusive access.
func (p *Page) resolveNamespace(info *SiteInfo) {
	p.ns = 0
	if prefix, _, found := strings.Cut(p.title, ":"); found {
		if id, ok := info.lookupNamespace(prefix); ok {
			p.ns = id
		}
	}
	p.nsKnown = true
}

// Site returns the site this page belongs to.
func (p *Page) Site() *Site {
	return p.site
}

// Title returns the page's title, in the canonical form known so far.
func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Namespace returns the page's namespace id, resolving the title
// prefix against the site's namespace table if necessary.
func (p *Page) Namespace(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.nsKnown {
		defer p.mu.Unlock()
		return p.ns, nil
	}
	p.mu.Unlock()

	info, err := p.site.SiteInfo(ctx)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.nsKnown {
		p.resolveNamespace(info)
	}
	return p.ns, nil
}

// Kind reports which kind of page this is, based on its namespace.
func (p *Page) Kind(ctx context.Context) (Kind, error) {
	ns, err := p.Namespace(ctx)
	if err != nil {
		return KindUnknown, err
	}
	return KindForNamespace(ns), nil
}

// Load fetches the page's current text and revision metadata,
// replacing whatever is cached. Most callers can rely on the lazy
// loading done by Text and friends instead.
func (p *Page) Load(ctx context.Context) error {
	if err := p.site.throttle.WaitRead(ctx); err != nil {
		return err
	}

	v := params.Values{
		"action":       "query",
		"prop":         "info|revisions",
		"titles":       p.Title(),
		"rvprop":       "ids|timestamp|content",
		"rvslots":      "main",
		"rvlimit":      "1",
		"curtimestamp": "",
	}
	resp, err := p.site.client.Get(ctx, v)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return errors.Wrapf(err, "load %q", p.Title())
		}
	}

	curTS, _ := resp.GetString("curtimestamp")
	pages, err := resp.GetObjectArray("query", "pages")
	if err != nil || len(pages) == 0 {
		return errors.Newf("invalid API response: no pages loading %q", p.Title())
	}
	pg := pages[0]

	p.mu.Lock()
	defer p.mu.Unlock()
	if norm, err := pg.GetString("title"); err == nil && norm != "" {
		p.title = norm
	}
	if ns, err := pg.GetInt64("ns"); err == nil {
		p.ns = int(ns)
		p.nsKnown = true
	}
	p.startTS = curTS
	p.loaded = true

	if missing, _ := pg.GetBoolean("missing"); missing {
		p.missing = true
		p.pageID = 0
		p.text = ""
		p.revID = 0
		p.baseTS = ""
		return nil
	}
	p.missing = false
	p.pageID, _ = pg.GetInt64("pageid")

	revs, err := pg.GetObjectArray("revisions")
	if err != nil || len(revs) == 0 {
		return errors.Newf("invalid API response: no revisions loading %q", p.title)
	}
	rev := revs[0]
	p.revID, _ = rev.GetInt64("revid")
	p.baseTS, _ = rev.GetString("timestamp")
	content, err := rev.GetString("slots", "main", "content")
	if err != nil {
		return errors.Newf("invalid API response: no content loading %q", p.title)
	}
	p.text = content
	return nil
}

func (p *Page) ensureLoaded(ctx context.Context) error {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()
	if loaded {
		return nil
	}
	return p.Load(ctx)
}

// Exists reports whether the page exists on the wiki.
func (p *Page) Exists(ctx context.Context) (bool, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.missing, nil
}

// Text returns the page's wikitext. For a page that does not exist,
// the error is a PageMissingError.
func (p *Page) Text(ctx context.Context) (string, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing {
		return "", PageMissingError{Title: p.title}
	}
	return p.text, nil
}

// RevID returns the id of the page's latest revision as of the last
// load.
func (p *Page) RevID(ctx context.Context) (int64, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing {
		return 0, PageMissingError{Title: p.title}
	}
	return p.revID, nil
}

// BaseTimestamp returns the timestamp of the revision the cached text
// came from. Saves pass it along so the server can detect conflicting
// edits made since.
func (p *Page) BaseTimestamp(ctx context.Context) (string, error) {
	if err := p.ensureLoaded(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing {
		return "", PageMissingError{Title: p.title}
	}
	return p.baseTS, nil
}

// Invalidate drops the cached attributes so the next access reloads
// them from the wiki.
func (p *Page) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.missing = false
	p.text = ""
	p.revID = 0
	p.baseTS = ""
	p.startTS = ""
}

// editBase captures the conflict-detection state a save is based on.
func (p *Page) editBase() (baseTS, startTS string, revID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseTS, p.startTS, p.revID
}

// cachedText returns the cached text without triggering a load.
func (p *Page) cachedText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// renameTo updates the title after a committed move. The revision
// state is dropped: a move writes a new revision on the wiki.
func (p *Page) renameTo(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.nsKnown = false
	p.loaded = false
	p.text = ""
	p.revID = 0
	p.baseTS = ""
	p.startTS = ""
}

// markDeleted records that the page no longer exists.
func (p *Page) markDeleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	p.missing = true
	p.pageID = 0
	p.text = ""
	p.revID = 0
	p.baseTS = ""
	p.startTS = ""
}

// preload fills the page's cached state from a batched fetch. A
// missing page is recorded as such; any other fetch error leaves the
// page unloaded so a later Load can surface it.
func (p *Page) preload(br BriefRevision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if br.Title != "" {
		p.title = br.Title
		p.ns = br.Namespace
		p.nsKnown = true
	}
	if br.Error != nil {
		if errors.HasType(br.Error, PageMissingError{}) {
			p.loaded = true
			p.missing = true
			p.text = ""
			p.revID = 0
			p.baseTS = ""
			p.startTS = br.StartTimestamp
		}
		return
	}
	p.loaded = true
	p.missing = false
	p.pageID = br.PageID
	p.text = br.Content
	p.revID = br.RevID
	p.baseTS = br.Timestamp
	p.startTS = br.StartTimestamp
}

// recordSave updates the cache after a committed save, making the
// page's state match what the wiki now holds.
func (p *Page) recordSave(text string, revID int64, timestamp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	p.missing = false
	p.text = text
	if revID != 0 {
		p.revID = revID
	}
	if timestamp != "" {
		p.baseTS = timestamp
		p.startTS = timestamp
	}
}

// SaveOptions adjust how a save is performed. The zero value is a
// plain non-minor edit.
type SaveOptions struct {
	// Minor marks the edit as minor.
	Minor bool

	// Bot marks the edit with the bot flag, hiding it from default
	// recent-changes views. Requires the bot right.
	Bot bool

	// CreateOnly fails the save if the page already exists; NoCreate
	// fails it if the page does not.
	CreateOnly bool
	NoCreate   bool

	// Recreate saves even if the page was deleted since it was
	// loaded.
	Recreate bool

	// Watchlist is one of "watch", "unwatch", "preferences",
	// "nochange". Empty means "preferences".
	Watchlist string
}

// Save replaces the page's text, blocking until the edit has been
// committed (or failed). The save still goes through the site's
// queue, so it is ordered after any async saves already pending for
// this page.
func (p *Page) Save(ctx context.Context, text, summary string, opts *SaveOptions) error {
	r, err := p.SaveAsync(ctx, text, summary, opts)
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}

// SaveAsync submits the edit to the site's save queue and returns a
// Receipt for tracking it. SaveAsync blocks only when the queue is
// full. Edits for the same page are applied in submission order;
// edits for different pages may run in any order.
func (p *Page) SaveAsync(ctx context.Context, text, summary string, opts *SaveOptions) (*Receipt, error) {
	op := &editOp{page: p, text: text, summary: summary}
	if opts != nil {
		op.opts = *opts
	}
	return p.site.submit(ctx, op)
}

// MoveOptions adjust how a page move is performed.
type MoveOptions struct {
	// NoRedirect suppresses the redirect normally left behind.
	// Requires the suppressredirect right.
	NoRedirect bool

	// MoveTalk moves the page's talk page along with it.
	MoveTalk bool

	// MoveSubpages moves the page's subpages along with it.
	MoveSubpages bool
}

// Move renames the page. The move goes through the save queue under
// the page's current title, so it is ordered after pending edits.
func (p *Page) Move(ctx context.Context, newTitle, reason string, opts *MoveOptions) error {
	op := &moveOp{page: p, newTitle: newTitle, reason: reason}
	if opts != nil {
		op.opts = *opts
	}
	r, err := p.site.submit(ctx, op)
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}

// Delete deletes the page. Requires the delete right. Ordered after
// pending edits for the same page.
func (p *Page) Delete(ctx context.Context, reason string) error {
	r, err := p.site.submit(ctx, &deleteOp{page: p, reason: reason})
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}
