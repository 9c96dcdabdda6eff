package wikibot

import (
	"context"
	"strconv"

	"github.com/antonholmquist/jason"
	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// Query provides a simple interface to deal with query continuations.
//
// A Query should be instantiated through the NewQuery method on the
// Client type. Once you have instantiated a Query, call the Next method
// to retrieve the first set of results from the API.
// If Next returns false, then either you have received all the results
// for the query or an error occurred. If an error occurs, it will be
// available through the Err method.
// If Next returns true, then there are more results to be retrieved and
// another call to Next will retrieve the next results.
//
// Query is most useful for retrieving large result sets that may not
// fit in a single response. For simple queries that are known to always
// return small result sets it likely makes more sense to just make the
// query directly with the *Client.Get method.
//
// The following example will retrieve all the pages that are in the category
// "Soap":
//	p := params.Values{
//		"list": "categorymembers",
//		"cmtitle": "Category:Soap",
//	}
//	q := w.NewQuery(p) // w being an instantiated Client
//	for q.Next(ctx) {
//		fmt.Println(q.Resp())
//	}
//	if q.Err() != nil {
//		// handle the error
//	}
// See https://www.mediawiki.org/wiki/API:Query for more details on how to
// query the MediaWiki API.
type Query struct {
	w      *Client
	params params.Values
	resp   *jason.Object
	warn   APIWarnings
	err    error
	closed bool
}

// Err returns the first error encountered by the Next method.
func (q *Query) Err() error {
	return q.err
}

// Warnings returns the API warnings accumulated so far. Warnings do
// not stop iteration; the responses that carried them are still
// delivered through Resp.
func (q *Query) Warnings() APIWarnings {
	return q.warn
}

// Resp returns the API response retrieved by the Next method.
func (q *Query) Resp() *jason.Object {
	return q.resp
}

// Close abandons the query. Further calls to Next report no more
// results. Closing is optional; a query abandoned mid-iteration holds
// no connections and schedules no background work, so dropping it is
// also fine.
func (q *Query) Close() {
	q.closed = true
}

// NewQuery instantiates a new query with the given parameters.
// Automatically sets action=query and continue= on the provided params.Values.
func (w *Client) NewQuery(p params.Values) *Query {
	p.Set("action", "query")
	p.Set("continue", "")

	return &Query{
		w:      w,
		params: p,
	}
}

// Next retrieves the next set of results from the API and makes them available
// through the Resp method. Next returns true if new results are available
// through Resp or false if there were no more results to request or if an
// error occurred.
func (q *Query) Next(ctx context.Context) bool {
	if q.closed || q.err != nil {
		return false
	}

	if q.resp != nil {
		cont, err := q.resp.GetObject("continue")
		if err != nil {
			// No continue element: the query is exhausted.
			q.closed = true
			return false
		}
		// The server's continue values are merged into the request
		// verbatim. Most are strings, but some modules continue with
		// numeric offsets.
		for k, v := range cont.Map() {
			if s, err := v.String(); err == nil {
				q.params.Set(k, s)
				continue
			}
			if n, err := v.Int64(); err == nil {
				q.params.Set(k, strconv.FormatInt(n, 10))
				continue
			}
			q.err = errors.Newf("unsupported continue value for %q", k)
			return false
		}
	}

	q.resp, q.err = q.w.Get(ctx, q.params)
	if q.err != nil {
		if warns, ok := q.err.(APIWarnings); ok && q.resp != nil {
			q.warn = append(q.warn, warns...)
			q.err = nil
			return true
		}
		return false
	}
	return true
}
