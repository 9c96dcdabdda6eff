package wikibot

import (
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// writeOp is one unit of work for the save queue: a single write
// action against the wiki. do performs exactly one attempt; the retry
// policy lives in the queue.
type writeOp interface {
	// key groups ops that must stay in submission order. Ops for the
	// same page share a key.
	key() string

	// tokenType names the token the op needs attached.
	tokenType() string

	// describe labels the op in logs and failure reports.
	describe() string

	// do performs one attempt with the given token.
	do(ctx context.Context, site *Site, token string) error
}

// revalidator is implemented by ops that can find out, after a lost
// response, whether their write actually committed. Ops without it
// are failed rather than blindly retried when a response is lost.
type revalidator interface {
	revalidate(ctx context.Context, site *Site) (committed bool, err error)
}

type editOp struct {
	page    *Page
	text    string
	summary string
	opts    SaveOptions
}

func (op *editOp) key() string       { return op.page.Title() }
func (op *editOp) tokenType() string { return CSRFToken }
func (op *editOp) describe() string  { return "edit " + op.page.Title() }

func (op *editOp) do(ctx context.Context, site *Site, token string) error {
	baseTS, startTS, baseRev := op.page.editBase()

	v := params.Values{
		"title":   op.page.Title(),
		"text":    op.text,
		"summary": op.summary,
		"token":   token,
	}
	// The base timestamps make the server reject the edit if another
	// revision (or a delete) sneaked in after our load.
	if baseTS != "" {
		v.Set("basetimestamp", baseTS)
	}
	if startTS != "" {
		v.Set("starttimestamp", startTS)
	}
	v.SetBool("minor", op.opts.Minor)
	v.SetBool("bot", op.opts.Bot)
	v.SetBool("createonly", op.opts.CreateOnly)
	v.SetBool("nocreate", op.opts.NoCreate)
	v.SetBool("recreate", op.opts.Recreate)
	if op.opts.Watchlist != "" {
		v.Set("watchlist", op.opts.Watchlist)
	}

	editObj, err := site.client.edit(ctx, v)
	if err != nil {
		var conflict *EditConflictError
		if errors.As(err, &conflict) {
			conflict.BaseRevID = baseRev
			conflict.BaseText = op.page.cachedText()
			op.fetchConflictor(ctx, site, conflict)
		}
		return err
	}

	newRevID, _ := editObj.GetInt64("newrevid")
	newTS, _ := editObj.GetString("newtimestamp")
	op.page.recordSave(op.text, newRevID, newTS)
	return nil
}

// fetchConflictor fills in who and what won the conflict. Best
// effort; the conflict error is complete enough without it.
func (op *editOp) fetchConflictor(ctx context.Context, site *Site, conflict *EditConflictError) {
	resp, err := site.client.Get(ctx, params.Values{
		"action":  "query",
		"prop":    "revisions",
		"titles":  op.page.Title(),
		"rvprop":  "ids|timestamp|user|content",
		"rvslots": "main",
		"rvlimit": "1",
	})
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return
		}
	}
	pages, err := resp.GetObjectArray("query", "pages")
	if err != nil || len(pages) == 0 {
		return
	}
	revs, err := pages[0].GetObjectArray("revisions")
	if err != nil || len(revs) == 0 {
		return
	}
	rev := revs[0]
	conflict.CurrentRevID, _ = rev.GetInt64("revid")
	conflict.CurrentTimestamp, _ = rev.GetString("timestamp")
	conflict.CurrentUser, _ = rev.GetString("user")
	conflict.CurrentText, _ = rev.GetString("slots", "main", "content")
}

// revalidate checks whether the edit landed by comparing the page's
// live text against what we tried to write.
func (op *editOp) revalidate(ctx context.Context, site *Site) (bool, error) {
	content, _, err := site.client.GetPageByName(ctx, op.page.Title())
	if err != nil {
		var missing PageMissingError
		if errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}
	return content == op.text, nil
}

type moveOp struct {
	page     *Page
	newTitle string
	reason   string
	opts     MoveOptions
}

func (op *moveOp) key() string       { return op.page.Title() }
func (op *moveOp) tokenType() string { return CSRFToken }
func (op *moveOp) describe() string {
	return "move " + op.page.Title() + " to " + op.newTitle
}

func (op *moveOp) do(ctx context.Context, site *Site, token string) error {
	v := params.Values{
		"action": "move",
		"from":   op.page.Title(),
		"to":     op.newTitle,
		"reason": op.reason,
		"token":  token,
	}
	v.SetBool("noredirect", op.opts.NoRedirect)
	v.SetBool("movetalk", op.opts.MoveTalk)
	v.SetBool("movesubpages", op.opts.MoveSubpages)

	resp, err := site.client.Post(ctx, v)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return err
		}
	}
	if _, err := resp.GetObject("move"); err != nil {
		return errors.New("invalid API response: no move object")
	}
	op.page.renameTo(site.normalizeTitle(op.newTitle))
	return nil
}

// revalidate treats the move as committed once the target exists and
// the source is gone or reduced to a redirect.
func (op *moveOp) revalidate(ctx context.Context, site *Site) (bool, error) {
	from, to := op.page.Title(), site.normalizeTitle(op.newTitle)
	pages, err := site.client.GetPages(ctx, from, to)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return false, err
		}
	}
	if pages[to].Error != nil {
		return false, nil
	}
	src := pages[from]
	var missing PageMissingError
	switch {
	case errors.As(src.Error, &missing):
		return true, nil
	case src.Error != nil:
		return false, src.Error
	default:
		return strings.HasPrefix(strings.ToLower(src.Content), "#redirect"), nil
	}
}

type deleteOp struct {
	page   *Page
	reason string
}

func (op *deleteOp) key() string       { return op.page.Title() }
func (op *deleteOp) tokenType() string { return CSRFToken }
func (op *deleteOp) describe() string  { return "delete " + op.page.Title() }

func (op *deleteOp) do(ctx context.Context, site *Site, token string) error {
	v := params.Values{
		"action": "delete",
		"title":  op.page.Title(),
		"reason": op.reason,
		"token":  token,
	}
	resp, err := site.client.Post(ctx, v)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return err
		}
	}
	if _, err := resp.GetObject("delete"); err != nil {
		return errors.New("invalid API response: no delete object")
	}
	op.page.markDeleted()
	return nil
}

func (op *deleteOp) revalidate(ctx context.Context, site *Site) (bool, error) {
	exists, err := pageExistsLive(ctx, site, op.page.Title())
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// pageExistsLive asks the wiki directly, bypassing any Page cache.
func pageExistsLive(ctx context.Context, site *Site, title string) (bool, error) {
	pages, err := site.client.GetPages(ctx, title)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return false, err
		}
	}
	var missing PageMissingError
	switch pg := pages[title]; {
	case pg.Error == nil:
		return true, nil
	case errors.As(pg.Error, &missing):
		return false, nil
	default:
		return false, pg.Error
	}
}

type uploadOp struct {
	filename string
	file     io.ReadSeeker
	opts     UploadOptions
}

func (op *uploadOp) key() string       { return "File:" + op.filename }
func (op *uploadOp) tokenType() string { return CSRFToken }
func (op *uploadOp) describe() string  { return "upload File:" + op.filename }

func (op *uploadOp) do(ctx context.Context, site *Site, token string) error {
	if _, err := op.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "unable to rewind upload file")
	}

	extra := params.Values{"token": token}
	if op.opts.Comment != "" {
		extra.Set("comment", op.opts.Comment)
	}
	if op.opts.Text != "" {
		extra.Set("text", op.opts.Text)
	}
	extra.SetBool("ignorewarnings", op.opts.IgnoreWarnings)

	resp, err := site.client.Upload(ctx, op.filename, op.file, extra)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return err
		}
	}
	result, err := resp.GetString("upload", "result")
	if err != nil {
		return errors.New("invalid API response: no upload result")
	}
	switch result {
	case "Success":
		return nil
	case "Warning":
		var names []string
		if warnObj, err := resp.GetObject("upload", "warnings"); err == nil {
			for name := range warnObj.Map() {
				names = append(names, name)
			}
		}
		return errors.Newf("upload of %q held back by warnings: %s",
			op.filename, strings.Join(names, ", "))
	default:
		return errors.Newf("upload of %q failed: %s", op.filename, result)
	}
}

// UploadOptions adjust how an upload is performed.
type UploadOptions struct {
	// Comment is the upload log comment. It doubles as the initial
	// page text unless Text is set.
	Comment string

	// Text is the initial text for the file's description page.
	Text string

	// IgnoreWarnings pushes the upload through duplicate-file and
	// similar warnings.
	IgnoreWarnings bool
}

// Upload uploads a file through the site's save queue, blocking until
// it is committed or failed. The file must remain readable until then;
// it is rewound before every attempt.
func (s *Site) Upload(ctx context.Context, filename string, file io.ReadSeeker, opts *UploadOptions) error {
	r, err := s.UploadAsync(ctx, filename, file, opts)
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}

// UploadAsync submits an upload to the site's save queue and returns
// a Receipt for tracking it.
func (s *Site) UploadAsync(ctx context.Context, filename string, file io.ReadSeeker, opts *UploadOptions) (*Receipt, error) {
	op := &uploadOp{filename: filename, file: file}
	if opts != nil {
		op.opts = *opts
	}
	return s.submit(ctx, op)
}
