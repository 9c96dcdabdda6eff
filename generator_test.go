package wikibot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAllPagesContinuation(t *testing.T) {
	const total = 24
	reqCount := 0
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		reqCount++
		if r.Form.Get("list") != "allpages" {
			t.Errorf("list = %q", r.Form.Get("list"))
		}

		start := 1
		switch cont := r.Form.Get("apcontinue"); cont {
		case "":
		case "Page11":
			start = 11
		case "Page21":
			start = 21
		default:
			t.Errorf("unexpected apcontinue %q", cont)
		}
		end := start + 9
		if end > total {
			end = total
		}
		items := make([]string, 0, end-start+1)
		for i := start; i <= end; i++ {
			items = append(items, fmt.Sprintf(`{"pageid":%d,"ns":0,"title":"Page%02d"}`, i, i))
		}
		if end < total {
			fmt.Fprintf(w, `{"continue":{"apcontinue":"Page%02d","continue":"-||"},"query":{"allpages":[%s]}}`,
				end+1, strings.Join(items, ","))
		} else {
			fmt.Fprintf(w, `{"batchcomplete":true,"query":{"allpages":[%s]}}`,
				strings.Join(items, ","))
		}
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.AllPages(0)
	defer it.Close()

	var pages []*Page
	for it.Next(ctx) {
		pages = append(pages, it.Page())
	}
	if it.Err() != nil {
		t.Fatalf("iteration failed: %v", it.Err())
	}
	if len(pages) != total {
		t.Fatalf("iterated %d pages, want %d", len(pages), total)
	}
	if pages[0].Title() != "Page01" || pages[total-1].Title() != "Page24" {
		t.Errorf("page titles = %q ... %q", pages[0].Title(), pages[total-1].Title())
	}
	if reqCount != 3 {
		t.Errorf("made %d requests, want 3", reqCount)
	}
	if len(it.Warnings()) != 0 {
		t.Errorf("unexpected warnings: %v", it.Warnings())
	}

	// The listing carried the namespace, so no extra fetch is needed.
	ns, err := pages[0].Namespace(ctx)
	if err != nil {
		t.Fatalf("Namespace returned error: %v", err)
	}
	if ns != 0 {
		t.Errorf("namespace = %d", ns)
	}
	if reqCount != 3 {
		t.Errorf("Namespace made an extra request")
	}
}

func TestCategoryMembersPrefix(t *testing.T) {
	var cmtitles []string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		cmtitles = append(cmtitles, r.Form.Get("cmtitle"))
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"categorymembers":[
			{"pageid":1,"ns":0,"title":"Atlas"}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	for _, category := range []string{"Maps", "Category:Maps"} {
		it := site.CategoryMembers(category)
		if !it.Next(ctx) {
			t.Fatalf("CategoryMembers(%q) yielded nothing: %v", category, it.Err())
		}
		if it.Page().Title() != "Atlas" {
			t.Errorf("member title = %q", it.Page().Title())
		}
		it.Close()
	}

	// A bare category name gets the namespace prefix added.
	if len(cmtitles) != 2 || cmtitles[0] != "Category:Maps" || cmtitles[1] != "Category:Maps" {
		t.Errorf("cmtitle values = %v", cmtitles)
	}
}

func TestCategoryMembersContinuation(t *testing.T) {
	const total = 24
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		if r.Form.Get("cmtitle") != "Category:Big" {
			t.Errorf("cmtitle = %q", r.Form.Get("cmtitle"))
		}

		start := 1
		switch cont := r.Form.Get("cmcontinue"); cont {
		case "":
		case "page|11":
			start = 11
		case "page|21":
			start = 21
		default:
			t.Errorf("unexpected cmcontinue %q", cont)
		}
		end := start + 9
		if end > total {
			end = total
		}
		items := make([]string, 0, end-start+1)
		for i := start; i <= end; i++ {
			items = append(items, fmt.Sprintf(`{"pageid":%d,"ns":0,"title":"Member%02d"}`, i, i))
		}
		if end < total {
			fmt.Fprintf(w, `{"continue":{"cmcontinue":"page|%d","continue":"-||"},"query":{"categorymembers":[%s]}}`,
				end+1, strings.Join(items, ","))
		} else {
			fmt.Fprintf(w, `{"batchcomplete":true,"query":{"categorymembers":[%s]}}`,
				strings.Join(items, ","))
		}
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	collect := func() []string {
		it := site.CategoryMembers("Big")
		defer it.Close()
		var titles []string
		for it.Next(ctx) {
			titles = append(titles, it.Page().Title())
		}
		if it.Err() != nil {
			t.Fatalf("iteration failed: %v", it.Err())
		}
		return titles
	}

	first := collect()
	if len(first) != total {
		t.Fatalf("iterated %d members, want %d", len(first), total)
	}
	seen := make(map[string]bool, total)
	for _, title := range first {
		if seen[title] {
			t.Errorf("title %q yielded twice", title)
		}
		seen[title] = true
	}

	// The factory is restartable: a second iterator walks the same
	// sequence from the start.
	second := collect()
	if fmt.Sprint(second) != fmt.Sprint(first) {
		t.Errorf("second iteration = %v, want %v", second, first)
	}
}

func TestPageMembers(t *testing.T) {
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		if r.Form.Get("meta") == "siteinfo" {
			fmt.Fprint(w, siteInfoResp)
			return
		}
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"categorymembers":[
			{"pageid":1,"ns":0,"title":"Atlas"}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	cat := site.NewPage("Category:Maps")
	it, err := cat.Members(ctx)
	if err != nil {
		t.Fatalf("Members returned error: %v", err)
	}
	defer it.Close()
	if !it.Next(ctx) {
		t.Fatalf("Members yielded nothing: %v", it.Err())
	}
	if it.Page().Title() != "Atlas" {
		t.Errorf("member title = %q", it.Page().Title())
	}

	// Only category pages have members.
	if _, err := site.NewPage("Main Page").Members(ctx); err == nil {
		t.Error("Members on an article did not return an error")
	}
}

func TestSearch(t *testing.T) {
	var form map[string]string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		form = map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"search":[
			{"ns":0,"title":"Go (programming language)","pageid":11},
			{"ns":0,"title":"Go (game)","pageid":12}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.Search("go language")
	defer it.Close()

	var titles []string
	for it.Next(ctx) {
		titles = append(titles, it.Page().Title())
	}
	if it.Err() != nil {
		t.Fatalf("iteration failed: %v", it.Err())
	}

	if form["srsearch"] != "go language" {
		t.Errorf("srsearch = %q", form["srsearch"])
	}
	if len(titles) != 2 || titles[0] != "Go (programming language)" {
		t.Errorf("titles = %v", titles)
	}
}

func TestBacklinks(t *testing.T) {
	var bltitle string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		bltitle = r.Form.Get("bltitle")
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"backlinks":[
			{"pageid":3,"ns":0,"title":"Referrer"}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.Backlinks("Main Page")
	defer it.Close()

	if !it.Next(ctx) {
		t.Fatalf("Backlinks yielded nothing: %v", it.Err())
	}
	if bltitle != "Main Page" {
		t.Errorf("bltitle = %q", bltitle)
	}
	if it.Page().Title() != "Referrer" {
		t.Errorf("backlink title = %q", it.Page().Title())
	}
}

func TestEmbeddedin(t *testing.T) {
	var eititle string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		eititle = r.Form.Get("eititle")
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"embeddedin":[
			{"pageid":5,"ns":0,"title":"Transcluder"}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.Embeddedin("Template:Citation needed")
	defer it.Close()

	if !it.Next(ctx) {
		t.Fatalf("Embeddedin yielded nothing: %v", it.Err())
	}
	if eititle != "Template:Citation needed" {
		t.Errorf("eititle = %q", eititle)
	}
	if it.Page().Title() != "Transcluder" {
		t.Errorf("transcluding title = %q", it.Page().Title())
	}
}

func TestIteratorClose(t *testing.T) {
	reqCount := 0
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		reqCount++
		// Always offers more, so only Close can end the iteration.
		fmt.Fprint(w, `{"continue":{"apcontinue":"Next","continue":"-||"},
			"query":{"allpages":[{"pageid":1,"ns":0,"title":"Lone page"}]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.AllPages(0)
	if !it.Next(ctx) {
		t.Fatalf("first Next returned false: %v", it.Err())
	}
	it.Close()
	if it.Next(ctx) {
		t.Error("Next returned true after Close")
	}
	if it.Err() != nil {
		t.Errorf("Err after Close = %v", it.Err())
	}
	if reqCount != 1 {
		t.Errorf("made %d requests, want 1", reqCount)
	}
}

func TestRecentChanges(t *testing.T) {
	var form map[string]string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		form = map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"recentchanges":[
			{"type":"edit","ns":0,"title":"Heat wave","pageid":7,"revid":101,"old_revid":100,
			 "rcid":9001,"user":"Editor","comment":"update figures",
			 "timestamp":"2024-05-01T12:00:00Z","minor":true},
			{"type":"new","ns":1,"title":"Talk:Heat wave","pageid":8,"revid":102,"old_revid":0,
			 "rcid":9002,"user":"BotUser","comment":"start talk page",
			 "timestamp":"2024-05-01T11:59:00Z","bot":true,"new":true}
		]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.RecentChanges(RecentChangesOptions{
		Namespaces: []int{0, 1},
		Types:      []string{"edit", "new"},
		TopOnly:    true,
	})
	defer it.Close()

	var changes []RecentChange
	for it.Next(ctx) {
		changes = append(changes, it.Change())
	}
	if it.Err() != nil {
		t.Fatalf("iteration failed: %v", it.Err())
	}

	if form["rcnamespace"] != "0|1" {
		t.Errorf("rcnamespace = %q", form["rcnamespace"])
	}
	if form["rctype"] != "edit|new" {
		t.Errorf("rctype = %q", form["rctype"])
	}
	if _, ok := form["rctoponly"]; !ok {
		t.Error("rctoponly not sent")
	}
	if _, ok := form["rcshow"]; ok {
		t.Error("rcshow sent without being requested")
	}

	if len(changes) != 2 {
		t.Fatalf("iterated %d changes, want 2", len(changes))
	}
	first := changes[0]
	if first.Type != "edit" || first.Title != "Heat wave" || first.User != "Editor" {
		t.Errorf("first change = %+v", first)
	}
	if first.RevID != 101 || first.OldRevID != 100 || first.RCID != 9001 {
		t.Errorf("first change ids = %+v", first)
	}
	if !first.Minor || first.Bot {
		t.Errorf("first change flags = %+v", first)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !first.Timestamp.Equal(want) {
		t.Errorf("first change timestamp = %v", first.Timestamp)
	}
	second := changes[1]
	if !second.Bot || !second.New || second.Namespace != 1 {
		t.Errorf("second change = %+v", second)
	}
}

func TestLogEvents(t *testing.T) {
	var letype string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		letype = r.Form.Get("letype")
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"logevents":[
			{"logid":31337,"type":"delete","action":"delete","ns":0,"title":"Old cruft",
			 "pageid":0,"user":"Admin","comment":"housekeeping",
			 "timestamp":"2024-05-02T08:30:00Z"}
		]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	it := site.LogEvents("delete")
	defer it.Close()

	if !it.Next(ctx) {
		t.Fatalf("LogEvents yielded nothing: %v", it.Err())
	}
	if letype != "delete" {
		t.Errorf("letype = %q", letype)
	}
	e := it.Entry()
	if e.ID != 31337 || e.Type != "delete" || e.Action != "delete" {
		t.Errorf("entry = %+v", e)
	}
	if e.Title != "Old cruft" || e.User != "Admin" || e.Comment != "housekeeping" {
		t.Errorf("entry = %+v", e)
	}
	want := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
	if !e.Timestamp.Equal(want) {
		t.Errorf("entry timestamp = %v", e.Timestamp)
	}
}

func TestPageRevisions(t *testing.T) {
	var form map[string]string
	httpHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		form = map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		fmt.Fprint(w, `{"batchcomplete":true,"query":{"pages":[
			{"pageid":42,"ns":0,"title":"Main Page","revisions":[
				{"revid":1235,"parentid":1234,"user":"Editor","comment":"tweak",
				 "timestamp":"2024-01-02T00:00:00Z","size":12,
				 "slots":{"main":{"content":"Hello again"}}},
				{"revid":1234,"parentid":0,"user":"Creator","comment":"create",
				 "timestamp":"2024-01-01T00:00:00Z","minor":true,"size":5,
				 "slots":{"main":{"content":"Hello"}}}
			]}
		]}}`)
	}

	server, site := setupSite(httpHandler)
	defer server.Close()
	ctx := context.Background()

	p := site.NewPage("Main Page")
	it := p.Revisions(true)
	defer it.Close()

	var revs []Revision
	for it.Next(ctx) {
		revs = append(revs, it.Revision())
	}
	if it.Err() != nil {
		t.Fatalf("iteration failed: %v", it.Err())
	}

	if !strings.Contains(form["rvprop"], "content") {
		t.Errorf("rvprop = %q, content missing", form["rvprop"])
	}
	if form["rvslots"] != "main" {
		t.Errorf("rvslots = %q", form["rvslots"])
	}

	if len(revs) != 2 {
		t.Fatalf("iterated %d revisions, want 2", len(revs))
	}
	if revs[0].ID != 1235 || revs[0].ParentID != 1234 || revs[0].Content != "Hello again" {
		t.Errorf("newest revision = %+v", revs[0])
	}
	if revs[1].User != "Creator" || !revs[1].Minor || revs[1].Size != 5 {
		t.Errorf("oldest revision = %+v", revs[1])
	}

	// Without content the listing must not ask for slots.
	it2 := p.Revisions(false)
	defer it2.Close()
	it2.Next(ctx)
	if strings.Contains(form["rvprop"], "content") {
		t.Errorf("rvprop = %q, content not requested", form["rvprop"])
	}
	if _, ok := form["rvslots"]; ok {
		t.Error("rvslots sent without content")
	}
}

func preloadHandler(t *testing.T, reqTitles *[][]string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			panic("Bad HTTP form")
		}
		titles := strings.Split(r.Form.Get("titles"), "|")
		if len(titles) > maxTitlesPerRequest {
			t.Errorf("request carries %d titles, limit is %d", len(titles), maxTitlesPerRequest)
		}
		*reqTitles = append(*reqTitles, titles)

		pages := make([]string, 0, len(titles))
		for i, title := range titles {
			if title == "Gone" {
				pages = append(pages, fmt.Sprintf(`{"ns":0,"title":%q,"missing":true}`, title))
				continue
			}
			pages = append(pages, fmt.Sprintf(
				`{"pageid":%d,"ns":0,"title":%q,"revisions":[{"revid":%d,"timestamp":"2024-01-01T00:00:00Z","slots":{"main":{"content":"text of %s"}}}]}`,
				i+1, title, i+100, title))
		}
		fmt.Fprintf(w, `{"batchcomplete":true,"curtimestamp":"2024-01-02T00:00:00Z","query":{"pages":[%s]}}`,
			strings.Join(pages, ","))
	}
}

func TestPreloadChunking(t *testing.T) {
	var reqTitles [][]string
	server, site := setupSite(preloadHandler(t, &reqTitles))
	defer server.Close()
	ctx := context.Background()

	pages := make([]*Page, 0, 121)
	for i := 0; i < 120; i++ {
		pages = append(pages, site.NewPage(fmt.Sprintf("Preload%03d", i)))
	}
	// A second Page for an already-listed title must not widen the
	// request, but must still be filled in.
	dup := site.NewPage("Preload000")
	pages = append(pages, dup)

	if err := site.Preload(ctx, pages); err != nil {
		t.Fatalf("Preload returned error: %v", err)
	}

	if len(reqTitles) != 3 {
		t.Fatalf("made %d requests, want 3", len(reqTitles))
	}
	totalTitles := 0
	for _, batch := range reqTitles {
		totalTitles += len(batch)
	}
	if totalTitles != 120 {
		t.Errorf("requested %d titles, want 120 deduplicated", totalTitles)
	}

	if got := pages[0].cachedText(); got != "text of Preload000" {
		t.Errorf("preloaded text = %q", got)
	}
	if got := dup.cachedText(); got != "text of Preload000" {
		t.Errorf("duplicate page text = %q", got)
	}
	_, startTS, _ := pages[0].editBase()
	if startTS != "2024-01-02T00:00:00Z" {
		t.Errorf("start timestamp = %q", startTS)
	}

	// Everything is loaded; accessors must not refetch.
	before := len(reqTitles)
	if _, err := pages[119].Text(ctx); err != nil {
		t.Fatalf("Text returned error: %v", err)
	}
	if len(reqTitles) != before {
		t.Error("Text refetched a preloaded page")
	}
}

func TestPagesByTitles(t *testing.T) {
	var reqTitles [][]string
	server, site := setupSite(preloadHandler(t, &reqTitles))
	defer server.Close()
	ctx := context.Background()

	pages, err := site.PagesByTitles(ctx, "Alpha", "Gone", "Beta")
	if err != nil {
		t.Fatalf("PagesByTitles returned error: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	if pages[0].Title() != "Alpha" || pages[1].Title() != "Gone" || pages[2].Title() != "Beta" {
		t.Errorf("titles = %q, %q, %q", pages[0].Title(), pages[1].Title(), pages[2].Title())
	}

	text, err := pages[0].Text(ctx)
	if err != nil {
		t.Fatalf("Text returned error: %v", err)
	}
	if text != "text of Alpha" {
		t.Errorf("text = %q", text)
	}
	exists, err := pages[1].Exists(ctx)
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if exists {
		t.Error("missing page reported existing")
	}
	if len(reqTitles) != 1 {
		t.Errorf("made %d requests, want 1", len(reqTitles))
	}
}
