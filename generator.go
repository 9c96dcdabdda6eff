package wikibot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// The API caps titles= at fifty per request for normal users.
const maxTitlesPerRequest = 50

// listSource feeds successive items from a query listing, following
// continuation and pacing every fetch through the site's read
// throttle. extract locates the item array in a response; returning
// nil skips that batch.
type listSource struct {
	site    *Site
	q       *Query
	extract func(*jason.Object) []*jason.Object
	buf     []*jason.Object
	err     error
}

func newListSource(s *Site, p params.Values, extract func(*jason.Object) []*jason.Object) *listSource {
	return &listSource{site: s, q: s.client.NewQuery(p), extract: extract}
}

func listPath(path ...string) func(*jason.Object) []*jason.Object {
	return func(resp *jason.Object) []*jason.Object {
		items, err := resp.GetObjectArray(path...)
		if err != nil {
			return nil
		}
		return items
	}
}

func (ls *listSource) next(ctx context.Context) (*jason.Object, bool) {
	if ls.err != nil {
		return nil, false
	}
	for len(ls.buf) == 0 {
		if err := ls.site.throttle.WaitRead(ctx); err != nil {
			ls.err = err
			return nil, false
		}
		if !ls.q.Next(ctx) {
			ls.err = ls.q.Err()
			return nil, false
		}
		ls.buf = ls.extract(ls.q.Resp())
	}
	item := ls.buf[0]
	ls.buf = ls.buf[1:]
	return item, true
}

func (ls *listSource) stop() {
	ls.q.Close()
	ls.buf = nil
}

// PageIterator walks the pages named by a query listing, fetching
// further batches lazily as it advances.
//
//	it := site.AllPages(0)
//	for it.Next(ctx) {
//		fmt.Println(it.Page().Title())
//	}
//	if it.Err() != nil { ... }
type PageIterator struct {
	src *listSource
	cur *Page
}

// Next advances to the next page, fetching another batch from the
// API if needed. It returns false when the listing is exhausted, the
// iterator was closed, or an error occurred.
func (it *PageIterator) Next(ctx context.Context) bool {
	item, ok := it.src.next(ctx)
	if !ok {
		return false
	}
	title, err := item.GetString("title")
	if err != nil {
		it.src.err = errors.Wrap(err, "listing item without title")
		return false
	}
	ns, _ := item.GetInt64("ns")
	pageID, _ := item.GetInt64("pageid")
	it.cur = pageFromListing(it.src.site, title, int(ns), pageID)
	return true
}

// Page returns the page Next advanced to.
func (it *PageIterator) Page() *Page {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *PageIterator) Err() error {
	return it.src.err
}

// Warnings returns the API warnings accumulated while iterating.
func (it *PageIterator) Warnings() APIWarnings {
	return it.src.q.Warnings()
}

// Close stops the iterator. No further requests are made; Next
// returns false from now on.
func (it *PageIterator) Close() {
	it.src.stop()
}

// QueryPages iterates the pages produced by an arbitrary query list
// module. path locates the item array within each response, for
// example "query", "allpages". Most callers want one of the named
// listings below instead.
func (s *Site) QueryPages(p params.Values, path ...string) *PageIterator {
	return &PageIterator{src: newListSource(s, p, listPath(path...))}
}

// AllPages iterates every page in the given namespace, in title
// order.
func (s *Site) AllPages(namespace int) *PageIterator {
	p := params.Values{
		"list":        "allpages",
		"apnamespace": strconv.Itoa(namespace),
		"aplimit":     "max",
	}
	return s.QueryPages(p, "query", "allpages")
}

// CategoryMembers iterates the members of a category. The category
// may be named with or without its namespace prefix.
func (s *Site) CategoryMembers(category string) *PageIterator {
	if !strings.Contains(category, ":") {
		category = "Category:" + category
	}
	p := params.Values{
		"list":    "categorymembers",
		"cmtitle": category,
		"cmlimit": "max",
	}
	return s.QueryPages(p, "query", "categorymembers")
}

// Members iterates the members of this category page. Only category
// pages have members; any other kind is an error.
func (p *Page) Members(ctx context.Context) (*PageIterator, error) {
	kind, err := p.Kind(ctx)
	if err != nil {
		return nil, err
	}
	if kind != KindCategory {
		return nil, errors.Newf("%s is a %s page, not a category", p.Title(), kind)
	}
	return p.Site().CategoryMembers(p.Title()), nil
}

// Search iterates the pages whose text matches the given search
// expression, in relevance order.
func (s *Site) Search(query string) *PageIterator {
	p := params.Values{
		"list":     "search",
		"srsearch": query,
		"srlimit":  "max",
	}
	return s.QueryPages(p, "query", "search")
}

// Backlinks iterates the pages that link to the given title.
func (s *Site) Backlinks(title string) *PageIterator {
	p := params.Values{
		"list":    "backlinks",
		"bltitle": title,
		"bllimit": "max",
	}
	return s.QueryPages(p, "query", "backlinks")
}

// Embeddedin iterates the pages that transclude the given title.
func (s *Site) Embeddedin(title string) *PageIterator {
	p := params.Values{
		"list":    "embeddedin",
		"eititle": title,
		"eilimit": "max",
	}
	return s.QueryPages(p, "query", "embeddedin")
}

// RecentChange is one entry in a wiki's recent changes feed.
type RecentChange struct {
	Type      string // edit, new, log, or categorize
	Title     string
	Namespace int
	PageID    int64
	RevID     int64
	OldRevID  int64
	RCID      int64
	User      string
	Comment   string
	Timestamp time.Time
	Bot       bool
	Minor     bool
	New       bool
	Redirect  bool
}

// RecentChangesOptions narrow a recent changes listing. The zero
// value lists everything.
type RecentChangesOptions struct {
	// Namespaces restricts the listing to the given namespaces.
	Namespaces []int

	// Types restricts the change kinds: edit, new, log, categorize.
	Types []string

	// Show filters on flags, e.g. "bot", "!bot", "minor", "anon",
	// "!redirect". See the recentchanges module's rcshow parameter.
	Show []string

	// TopOnly keeps only changes that are still the page's latest
	// revision.
	TopOnly bool
}

// ChangeIterator walks a recent changes feed.
type ChangeIterator struct {
	src *listSource
	cur RecentChange
}

// RecentChanges iterates the wiki's recent changes feed, newest
// first.
func (s *Site) RecentChanges(opts RecentChangesOptions) *ChangeIterator {
	p := params.Values{
		"list":    "recentchanges",
		"rcprop":  "title|ids|flags|user|comment|timestamp",
		"rclimit": "max",
	}
	if len(opts.Namespaces) > 0 {
		p.Set("rcnamespace", joinInts(opts.Namespaces))
	}
	if len(opts.Types) > 0 {
		p.Set("rctype", strings.Join(opts.Types, "|"))
	}
	if len(opts.Show) > 0 {
		p.Set("rcshow", strings.Join(opts.Show, "|"))
	}
	if opts.TopOnly {
		p.SetBool("rctoponly", true)
	}
	return &ChangeIterator{src: newListSource(s, p, listPath("query", "recentchanges"))}
}

// Next advances to the next change. It returns false when the feed
// is exhausted or an error occurred.
func (it *ChangeIterator) Next(ctx context.Context) bool {
	item, ok := it.src.next(ctx)
	if !ok {
		return false
	}
	rc := RecentChange{}
	rc.Type, _ = item.GetString("type")
	rc.Title, _ = item.GetString("title")
	if ns, err := item.GetInt64("ns"); err == nil {
		rc.Namespace = int(ns)
	}
	rc.PageID, _ = item.GetInt64("pageid")
	rc.RevID, _ = item.GetInt64("revid")
	rc.OldRevID, _ = item.GetInt64("old_revid")
	rc.RCID, _ = item.GetInt64("rcid")
	rc.User, _ = item.GetString("user")
	rc.Comment, _ = item.GetString("comment")
	if ts, err := item.GetString("timestamp"); err == nil {
		rc.Timestamp, _ = time.Parse(time.RFC3339, ts)
	}
	rc.Bot, _ = item.GetBoolean("bot")
	rc.Minor, _ = item.GetBoolean("minor")
	rc.New, _ = item.GetBoolean("new")
	rc.Redirect, _ = item.GetBoolean("redirect")
	it.cur = rc
	return true
}

// Change returns the change Next advanced to.
func (it *ChangeIterator) Change() RecentChange {
	return it.cur
}

func (it *ChangeIterator) Err() error {
	return it.src.err
}

func (it *ChangeIterator) Close() {
	it.src.stop()
}

// LogEntry is one entry in a wiki's public log.
type LogEntry struct {
	ID        int64
	Type      string // e.g. delete, move, block
	Action    string
	Title     string
	Namespace int
	PageID    int64
	User      string
	Comment   string
	Timestamp time.Time
}

// LogIterator walks a wiki's public log.
type LogIterator struct {
	src *listSource
	cur LogEntry
}

// LogEvents iterates the wiki's public log, newest first. logType
// restricts the listing to one log, e.g. "delete" or "move"; empty
// lists all logs.
func (s *Site) LogEvents(logType string) *LogIterator {
	p := params.Values{
		"list":    "logevents",
		"leprop":  "ids|type|title|user|comment|timestamp",
		"lelimit": "max",
	}
	if logType != "" {
		p.Set("letype", logType)
	}
	return &LogIterator{src: newListSource(s, p, listPath("query", "logevents"))}
}

// Next advances to the next log entry. It returns false when the log
// is exhausted or an error occurred.
func (it *LogIterator) Next(ctx context.Context) bool {
	item, ok := it.src.next(ctx)
	if !ok {
		return false
	}
	le := LogEntry{}
	le.ID, _ = item.GetInt64("logid")
	le.Type, _ = item.GetString("type")
	le.Action, _ = item.GetString("action")
	le.Title, _ = item.GetString("title")
	if ns, err := item.GetInt64("ns"); err == nil {
		le.Namespace = int(ns)
	}
	le.PageID, _ = item.GetInt64("pageid")
	le.User, _ = item.GetString("user")
	le.Comment, _ = item.GetString("comment")
	if ts, err := item.GetString("timestamp"); err == nil {
		le.Timestamp, _ = time.Parse(time.RFC3339, ts)
	}
	it.cur = le
	return true
}

// Entry returns the log entry Next advanced to.
func (it *LogIterator) Entry() LogEntry {
	return it.cur
}

func (it *LogIterator) Err() error {
	return it.src.err
}

func (it *LogIterator) Close() {
	it.src.stop()
}

// Revision is one entry in a page's history.
type Revision struct {
	ID        int64
	ParentID  int64
	User      string
	Comment   string
	Timestamp time.Time
	Minor     bool
	Size      int64
	Content   string // empty unless requested
}

// RevisionIterator walks a page's history, newest first.
type RevisionIterator struct {
	src *listSource
	cur Revision
}

// Revisions iterates the page's history, newest first. With
// withContent set, each revision carries its wikitext; fetching
// content makes the listing markedly heavier, so leave it off when
// metadata suffices.
func (p *Page) Revisions(withContent bool) *RevisionIterator {
	rvprop := "ids|flags|timestamp|user|comment|size"
	v := params.Values{
		"prop":    "revisions",
		"titles":  p.Title(),
		"rvprop":  rvprop,
		"rvlimit": "max",
	}
	if withContent {
		v.Set("rvprop", rvprop+"|content")
		v.Set("rvslots", "main")
	}
	extract := func(resp *jason.Object) []*jason.Object {
		pages, err := resp.GetObjectArray("query", "pages")
		if err != nil || len(pages) == 0 {
			return nil
		}
		revs, err := pages[0].GetObjectArray("revisions")
		if err != nil {
			return nil
		}
		return revs
	}
	return &RevisionIterator{src: newListSource(p.Site(), v, extract)}
}

// Next advances to the next revision. It returns false when the
// history is exhausted or an error occurred.
func (it *RevisionIterator) Next(ctx context.Context) bool {
	item, ok := it.src.next(ctx)
	if !ok {
		return false
	}
	rev := Revision{}
	rev.ID, _ = item.GetInt64("revid")
	rev.ParentID, _ = item.GetInt64("parentid")
	rev.User, _ = item.GetString("user")
	rev.Comment, _ = item.GetString("comment")
	if ts, err := item.GetString("timestamp"); err == nil {
		rev.Timestamp, _ = time.Parse(time.RFC3339, ts)
	}
	rev.Minor, _ = item.GetBoolean("minor")
	rev.Size, _ = item.GetInt64("size")
	rev.Content, _ = item.GetString("slots", "main", "content")
	it.cur = rev
	return true
}

// Revision returns the revision Next advanced to.
func (it *RevisionIterator) Revision() Revision {
	return it.cur
}

func (it *RevisionIterator) Err() error {
	return it.src.err
}

func (it *RevisionIterator) Close() {
	it.src.stop()
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "|")
}

// Preload fetches text and edit baselines for the given pages in
// batches of up to fifty titles per request. Pages the API reports
// missing are marked as such; pages it cannot resolve are left
// unloaded so a later Load can report the problem.
func (s *Site) Preload(ctx context.Context, pages []*Page) error {
	byTitle := make(map[string][]*Page, len(pages))
	titles := make([]string, 0, len(pages))
	for _, p := range pages {
		t := p.Title()
		if _, ok := byTitle[t]; !ok {
			titles = append(titles, t)
		}
		byTitle[t] = append(byTitle[t], p)
	}

	for len(titles) > 0 {
		n := len(titles)
		if n > maxTitlesPerRequest {
			n = maxTitlesPerRequest
		}
		chunk := titles[:n]
		titles = titles[n:]

		if err := s.throttle.WaitRead(ctx); err != nil {
			return err
		}
		revs, err := s.client.GetPages(ctx, chunk...)
		if err != nil {
			if warn, ok := err.(APIWarnings); ok {
				s.log.Warn("preload returned warnings", "warnings", warn.Error())
			} else {
				return err
			}
		}
		for title, br := range revs {
			for _, p := range byTitle[title] {
				p.preload(br)
			}
		}
	}
	return nil
}

// PagesByTitles returns Page objects for the given titles, in the
// given order, with their text and edit baselines already loaded via
// batched requests.
func (s *Site) PagesByTitles(ctx context.Context, titles ...string) ([]*Page, error) {
	pages := make([]*Page, len(titles))
	for i, t := range titles {
		pages[i] = s.NewPage(t)
	}
	if err := s.Preload(ctx, pages); err != nil {
		return nil, err
	}
	return pages, nil
}
