/*
Package wikibot provides a client library for writing MediaWiki bots.

wikibot is intended for users who are already familiar with (or are
willing to learn) the MediaWiki API. The lower layer of the package
makes dealing with the API more convenient but does not hide it; the
upper layer adds the discipline a well-behaved bot needs on top.

wikibot speaks version 2 of the MW JSON API.

# Basic usage

The lower layer is the Client. Initialize one with New(), specifying
the wiki's API URL and your HTTP User-Agent. Try to use a meaningful
User-Agent; some wikis refuse generic ones.

	w, err := wikibot.New("https://en.wikipedia.org/w/api.php",
		"myBot/1.0 (ops@example.org)")
	if err != nil {
		panic(err) // Malformed URL or empty user agent
	}

	parameters := params.Values{
		"action": "query",
		"list":   "recentchanges",
	}
	response, err := w.Get(ctx, parameters)

A Client is bound to one wiki. Get, GetRaw, Post, and PostRaw make
arbitrary requests: pass a params.Values map (from the
github.com/mwkit/wikibot/params package), receive a response and an
error. Convenience methods (Login, Edit, GetPages, and so on) are
implemented on the same interface.

# Sites and pages

The upper layer is built from a Registry, which hands out one Site
per wiki and makes sure everything in the process shares that site's
write throttle and save queue:

	reg := wikibot.NewRegistry(wikibot.Settings{
		UserAgent: "myBot/1.0 (ops@example.org)",
	})
	site, err := reg.Site("wikipedia", "en")

	page := site.NewPage("User:MyBot/sandbox")
	err = page.Save(ctx, "Hello, world!", "testing", nil)

Pages load lazily and remember the revision they were read at, so a
later Save detects edit conflicts instead of silently overwriting
someone. Listings (AllPages, CategoryMembers, Search, RecentChanges,
...) follow API continuation transparently and fetch batches only as
they are consumed.

# params.Values

params.Values is similar to (and a fork of) the standard library's
net/url.Values. url.Values is based on a map[string][]string because
it must support multiple keys with the same name; the MediaWiki API
instead takes one key with the values separated by pipes (|), so a
plain map[string]string with a less cumbersome literal syntax
suffices.

Because of the way type identity works in Go, callers may pass a
plain map[string]string anywhere a params.Values is expected.

# Error handling

If an API call fails it will return an error. If the API itself
reports the failure, the error is an APIError; if it reports
warnings alongside a usable response, both the response and an
APIWarnings error are returned. The Raw request methods check for
neither.

For more information about API errors and warnings, see
https://www.mediawiki.org/wiki/API:Errors_and_warnings.

If maxlag is enabled and the API keeps rejecting requests after the
configured number of retries (3 by default), the error is the
variable ErrAPIBusy.

Saves that fail because someone edited in between return an
EditConflictError carrying both texts. Classify sorts any error the
package returns into broad kinds (retryable, permission, token
expired, ...) for callers that automate their handling.

# Writes

Writes submitted through a Site go into its background save queue.
The queue spaces writes out, attaches CSRF tokens, refreshes a
rejected token once, and never blindly retries a write whose response
was lost; it first checks whether the write actually went through.
Each submission returns a Receipt whose Wait method reports the
outcome. Site.Flush waits for everything pending.
*/
package wikibot // import "github.com/mwkit/wikibot"
