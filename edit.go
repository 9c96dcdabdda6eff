package wikibot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// Edit takes a params.Values containing parameters for an edit action
// and attempts to perform the edit. Edit will return nil if no errors
// are detected. The p argument should contain parameters from:
//	https://www.mediawiki.org/wiki/API:Edit#Parameters
// Edit will set the 'action' and 'token' parameters automatically,
// but if the token field in p is non-empty, Edit will not override
// it. Edit does not check p for sanity.
// p example:
//	params.Values{
//		"pageid":   "709377",
//		"text":     "Complete new text for page",
//		"summary":  "Take that, page!",
//	}
func (w *Client) Edit(ctx context.Context, p params.Values) error {
	_, err := w.edit(ctx, p)
	return err
}

// edit performs an edit action and returns the edit object from the
// response. Rejections become typed errors: *EditConflictError when
// another edit won the race, CaptchaError when the wiki demands a
// CAPTCHA.
func (w *Client) edit(ctx context.Context, p params.Values) (*jason.Object, error) {
	p = p.Clone()
	if p.Get("token") == "" {
		csrfToken, err := w.GetToken(ctx, CSRFToken)
		if err != nil {
			return nil, errors.Wrap(err, "unable to obtain csrf token")
		}
		p.Set("token", csrfToken)
	}
	p.Set("action", "edit")

	resp, err := w.Post(ctx, p)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Code == "editconflict" {
			return nil, &EditConflictError{
				Title:         p.Get("title"),
				BaseTimestamp: p.Get("basetimestamp"),
			}
		}
		return nil, err
	}

	editObj, err := resp.GetObject("edit")
	if err != nil {
		return nil, errors.New("invalid API response: no edit object")
	}
	result, err := editObj.GetString("result")
	if err != nil {
		return nil, errors.New("invalid API response: no edit result")
	}
	if result == "Success" {
		return editObj, nil
	}

	if captcha, err := editObj.GetObject("captcha"); err == nil {
		return nil, CaptchaError{
			Type:     jstr(captcha, "type"),
			Mime:     jstr(captcha, "mime"),
			ID:       jstr(captcha, "id"),
			URL:      jstr(captcha, "url"),
			Question: jstr(captcha, "question"),
		}
	}
	return nil, errors.Newf("edit failed: %s", result)
}

// jstr reads a field that wikis variously send as a string or a
// number.
func jstr(obj *jason.Object, key string) string {
	if s, err := obj.GetString(key); err == nil {
		return s
	}
	if n, err := obj.GetInt64(key); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

// Upload uploads a file to the wiki under the given filename. extra
// holds optional upload parameters such as "comment", "text", and
// "ignorewarnings"; see
//	https://www.mediawiki.org/wiki/API:Upload#Parameters
// The file is sent in a single multipart request. Uploads are never
// retried automatically.
func (w *Client) Upload(ctx context.Context, filename string, file io.Reader, extra params.Values) (*jason.Object, error) {
	if filename == "" {
		return nil, errors.New("filename must not be empty")
	}
	if file == nil {
		return nil, errors.New("file must not be nil")
	}

	p := extra.Clone()
	p.Set("action", "upload")
	p.Set("filename", filename)
	p.Set("format", w.format)
	p.Set("formatversion", "2")
	if w.Assert != AssertNone {
		p.Set("assert", w.Assert)
	}
	if p.Get("token") == "" {
		token, err := w.GetToken(ctx, CSRFToken)
		if err != nil {
			return nil, errors.Wrap(err, "unable to obtain csrf token")
		}
		p.Set("token", token)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	keys := make([]string, 0, len(p))
	for k := range p {
		if k != "token" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, p[k]); err != nil {
			return nil, errors.Wrap(err, "unable to write upload field")
		}
	}
	// Token last, same discipline as params.Values.Encode.
	if err := mw.WriteField("token", p.Get("token")); err != nil {
		return nil, errors.Wrap(err, "unable to write upload field")
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create upload part")
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, errors.Wrap(err, "unable to copy upload body")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to finish upload body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiURL.String(), &body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build API request")
	}
	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "API request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read API response")
	}
	return parseResponse(raw)
}

// BriefRevision holds a page's content and the metadata needed to
// edit the page safely later. If fetching the page failed, Error
// says why and the other fields are zero.
type BriefRevision struct {
	Content        string
	Timestamp      string
	StartTimestamp string // server time when the content was fetched
	Title          string // canonical form of the requested title
	Namespace      int
	PageID         int64
	RevID          int64
	Error          error
}

type getPagesResponse struct {
	Warnings map[string]struct {
		Warnings string `json:"warnings"`
	} `json:"warnings"`
	BatchComplete bool   `json:"batchcomplete"`
	CurTimestamp  string `json:"curtimestamp"`
	Query         struct {
		Normalized []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"normalized"`
		Pages []struct {
			PageID        int64  `json:"pageid"`
			Ns            int    `json:"ns"`
			Title         string `json:"title"`
			Missing       bool   `json:"missing"`
			Invalid       bool   `json:"invalid"`
			InvalidReason string `json:"invalidreason"`
			Revisions     []struct {
				RevID     int64  `json:"revid"`
				Timestamp string `json:"timestamp"`
				Slots     struct {
					Main struct {
						Content string `json:"content"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

// handleGetPages builds the per-title result map from a decoded
// response. Results are keyed by the titles the caller asked for,
// not the normalized forms the server reports.
func handleGetPages(titles []string, resp getPagesResponse) (map[string]BriefRevision, error) {
	norm := make(map[string]string, len(resp.Query.Normalized))
	for _, n := range resp.Query.Normalized {
		norm[n.From] = n.To
	}

	byCanonical := make(map[string]BriefRevision, len(resp.Query.Pages))
	for _, page := range resp.Query.Pages {
		br := BriefRevision{
			Title:          page.Title,
			Namespace:      page.Ns,
			PageID:         page.PageID,
			StartTimestamp: resp.CurTimestamp,
		}
		switch {
		case page.Invalid:
			br.Error = errors.Newf("invalid title %q: %s", page.Title, page.InvalidReason)
		case page.Missing:
			br.Error = PageMissingError{Title: page.Title}
		case len(page.Revisions) > 0:
			br.Content = page.Revisions[0].Slots.Main.Content
			br.Timestamp = page.Revisions[0].Timestamp
			br.RevID = page.Revisions[0].RevID
		}
		byCanonical[page.Title] = br
	}

	pages := make(map[string]BriefRevision, len(titles))
	for _, title := range titles {
		canonical := title
		if to, ok := norm[title]; ok {
			canonical = to
		}
		br, ok := byCanonical[canonical]
		if !ok {
			br = BriefRevision{Error: errors.Newf("no result for title %q", title)}
		}
		pages[title] = br
	}

	var warnings APIWarnings
	for module, w := range resp.Warnings {
		for _, line := range strings.Split(w.Warnings, "\n") {
			if line != "" {
				warnings = append(warnings, APIWarning{module, line})
			}
		}
	}
	if len(warnings) > 0 {
		return pages, warnings
	}
	return pages, nil
}

// GetPages fetches the contents of multiple pages in one request,
// keyed by the requested titles. Like Get, it may return both a
// usable result and an APIWarnings error.
func (w *Client) GetPages(ctx context.Context, titles ...string) (map[string]BriefRevision, error) {
	v := params.Values{
		"action":       "query",
		"prop":         "revisions",
		"rvprop":       "ids|content|timestamp",
		"rvslots":      "main",
		"titles":       strings.Join(titles, "|"),
		"curtimestamp": "",
	}
	// POSTed because fifty titles overflow a URL, but still a read.
	raw, err := w.PostRaw(ctx, v)
	if err != nil {
		return nil, err
	}
	var resp getPagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "the API did not return valid JSON")
	}
	return handleGetPages(titles, resp)
}

// GetPageByName gets the content of a page (specified by its name)
// and the timestamp of its most recent revision.
func (w *Client) GetPageByName(ctx context.Context, pageName string) (content string, timestamp string, err error) {
	pages, err := w.GetPages(ctx, pageName)
	if err != nil {
		if _, warn := err.(APIWarnings); !warn {
			return "", "", err
		}
	}
	page, ok := pages[pageName]
	if !ok {
		return "", "", errors.Newf("no result for title %q", pageName)
	}
	if page.Error != nil {
		return "", "", page.Error
	}
	return page.Content, page.Timestamp, nil
}
