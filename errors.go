package wikibot

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrAPIBusy is returned when the API rejects a request because of
// server lag and the configured amount of maxlag retries have been
// used without success.
var ErrAPIBusy = errors.New("the API is too busy; try again later")

// ErrQueueClosed is returned by save queue submissions made after the
// queue began draining.
var ErrQueueClosed = errors.New("save queue is closed")

// APIError represents a generic API error described by an error code
// and a string containing information about the error.
type APIError struct {
	Code, Info string
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Info)
}

// APIWarning represents a generic API warning described by the name
// of the module from which the warning originates and a string
// containing information about the warning.
type APIWarning struct {
	Module, Info string
}

func (e APIWarning) Error() string {
	return fmt.Sprintf("%s: %s", e.Module, e.Info)
}

// APIWarnings is a collection of APIWarning objects. The API can
// return warnings for several modules in one response.
type APIWarnings []APIWarning

func (w APIWarnings) Error() string {
	var buf strings.Builder
	buf.WriteString("the API returned warnings: ")
	for i, warning := range w {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(warning.Error())
	}
	return buf.String()
}

// CaptchaError represents the error returned by the API when it
// requires the client to solve a CAPTCHA to perform the action
// requested. Depending on the CAPTCHA type, either URL or Question
// is set.
type CaptchaError struct {
	Type     string `json:"type"`
	Mime     string `json:"mime"`
	ID       string `json:"id"`
	URL      string `json:"url"`
	Question string `json:"question"`
}

func (e CaptchaError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("API requires solving a CAPTCHA of type %s (%s) with ID %s at URL %s",
			e.Type, e.Mime, e.ID, e.URL)
	}
	return fmt.Sprintf("API requires solving a CAPTCHA of type %s (%s) with ID %s: %q",
		e.Type, e.Mime, e.ID, e.Question)
}

// EditConflictError is returned when a save is rejected because
// another edit landed on the page after the revision the save was
// based on. It is never retried automatically; reload the page,
// reapply the change, and save again if that is what you want.
type EditConflictError struct {
	Title string

	// Revision the rejected save was based on.
	BaseRevID     int64
	BaseTimestamp string
	BaseText      string

	// Revision that won, as far as it is known. CurrentText is only
	// set when the conflicting revision has been fetched.
	CurrentRevID     int64
	CurrentTimestamp string
	CurrentUser      string
	CurrentText      string
}

func (e *EditConflictError) Error() string {
	if e.CurrentUser != "" {
		return fmt.Sprintf("edit conflict on %q: revision %d by %s arrived after base revision %d",
			e.Title, e.CurrentRevID, e.CurrentUser, e.BaseRevID)
	}
	return fmt.Sprintf("edit conflict on %q: page changed after base revision %d",
		e.Title, e.BaseRevID)
}

// Diff returns a textual patch from the text the save was based on to
// the text that won the conflict, or the empty string if either side
// is unknown.
func (e *EditConflictError) Diff() string {
	if e.BaseText == "" && e.CurrentText == "" {
		return ""
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(e.BaseText, e.CurrentText)
	return dmp.PatchToText(patches)
}

// PageMissingError is returned when an operation requires a page that
// does not exist on the wiki.
type PageMissingError struct {
	Title string
}

func (e PageMissingError) Error() string {
	return fmt.Sprintf("page %q does not exist", e.Title)
}

// HTTPError is returned when the API endpoint responds with a status
// code outside the 2xx range and the body carries no API error
// envelope. RetryAfter is zero unless the response named a delay.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("HTTP %s", e.Status)
}

// maxLagError is returned inside the call loop when the API rejects a
// request because of database lag. Wait specifies how many seconds the
// server asked us to back off before trying again.
type maxLagError struct {
	Message string
	Wait    int
}

func (e maxLagError) Error() string {
	return e.Message
}

// ErrorKind partitions failures by how the caller (and the retry
// machinery) should react to them.
type ErrorKind int

const (
	// KindFatal failures are not retried. Malformed responses,
	// client-side mistakes, and exhausted retry budgets end up here.
	KindFatal ErrorKind = iota

	// KindRetryable failures are transient: timeouts, 5xx responses,
	// server lag, and rate limiting. Retrying after a backoff is
	// expected to help.
	KindRetryable

	// KindTokenExpired failures mean the attached token was rejected.
	// The request may be retried exactly once with a fresh token.
	KindTokenExpired

	// KindEditConflict failures mean another edit won the race. Never
	// retried automatically.
	KindEditConflict

	// KindPermission failures mean the wiki refused the action for
	// this user. Retrying cannot help until credentials change.
	KindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindTokenExpired:
		return "token-expired"
	case KindEditConflict:
		return "edit-conflict"
	case KindPermission:
		return "permission"
	default:
		return "fatal"
	}
}

// API error codes the server may clear on its own shortly.
var retryableCodes = map[string]bool{
	"maxlag":      true,
	"ratelimited": true,
	"readonly":    true,
}

// API error codes meaning the acting user may not perform the action.
var permissionCodes = map[string]bool{
	"permissiondenied":     true,
	"protectedpage":        true,
	"protectednamespace":   true,
	"cascadeprotected":     true,
	"customcssjsprotected": true,
	"blocked":              true,
	"autoblocked":          true,
	"confirmemail":         true,
	"writeapidenied":       true,
	"readapidenied":        true,
	"mustbeloggedin":       true,
	"assertuserfailed":     true,
	"assertbotfailed":      true,
}

// Classify maps an error from any API operation onto the small set of
// reactions a caller can have to it. Unknown errors are fatal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	var conflict *EditConflictError
	if errors.As(err, &conflict) {
		return KindEditConflict
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == "badtoken":
			return KindTokenExpired
		case apiErr.Code == "editconflict":
			return KindEditConflict
		case retryableCodes[apiErr.Code]:
			return KindRetryable
		case permissionCodes[apiErr.Code]:
			return KindPermission
		default:
			return KindFatal
		}
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 || httpErr.StatusCode == 429 {
			return KindRetryable
		}
		return KindFatal
	}

	// Timeouts and broken connections surface as url.Error or net.Error
	// long before a response envelope exists.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindRetryable
	}

	return KindFatal
}

// ambiguousFailure reports whether err leaves the outcome of a write
// unknown. Transport failures and 5xx responses qualify: the server
// may have committed the write before the response was lost. API
// error envelopes do not: the server reported that it refused the
// request.
func ambiguousFailure(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// extractAPIErrors checks a response body for the API's error and
// warning envelopes. An error envelope produces an APIError. Warnings
// produce APIWarnings but leave the response usable; callers receive
// both the parsed response and the warnings.
func extractAPIErrors(js *jason.Object) error {
	if errObj, err := js.GetObject("error"); err == nil {
		code, cerr := errObj.GetString("code")
		info, ierr := errObj.GetString("info")
		if cerr != nil && ierr != nil {
			return errors.New("the API returned an error envelope with no code or info")
		}
		return APIError{code, info}
	}

	warnObj, err := js.GetObject("warnings")
	if err != nil {
		return nil
	}
	var warnings APIWarnings
	for module, v := range warnObj.Map() {
		obj, err := v.Object()
		if err != nil {
			continue
		}
		// formatversion=2 puts the text under "warnings"; the legacy
		// format uses "*". Multiple warnings for one module are
		// newline separated.
		text, err := obj.GetString("warnings")
		if err != nil {
			if text, err = obj.GetString("*"); err != nil {
				continue
			}
		}
		for _, line := range strings.Split(text, "\n") {
			if line != "" {
				warnings = append(warnings, APIWarning{module, line})
			}
		}
	}
	if len(warnings) == 0 {
		return nil
	}
	return warnings
}
