package fetcher

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

const (
	minPartLen     = 50
	maxPageText    = 3000
	maxDescription = 500
	minArticleText = 200

	maxChallengeText = 1500
)

var (
	multiSpacePattern = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLinesPattern = regexp.MustCompile(`\n\s*\n+`)
)

var botBlockIndicators = []string{
	"just a moment",
	"checking your browser",
	"cloudflare",
	"ray id",
	"please wait",
	"ddos protection",
	"enable javascript",
}

var paywallIndicators = []string{
	"paywall", "piano-paywall", "reg-wall", "subscribe-wall",
	"premium-content", "locked-content", "article__pw",
}

// skipped elements never contribute readable text
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true, "svg": true,
	"nav": true, "footer": true, "header": true, "aside": true, "form": true,
	"button": true, "template": true, "head": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"li": true, "ul": true, "ol": true, "br": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "figcaption": true, "dd": true, "dt": true,
}

// Metadata is what the page says about itself in tags and JSON-LD
type Metadata struct {
	Title         string
	OGTitle       string
	OGDescription string
	OGSiteName    string
	Description   string

	ArticleHeadline    string
	ArticleDescription string
	Author             string
	DatePublished      string

	EventName        string
	EventDate        string
	EventEndDate     string
	EventDescription string
	Venue            string
	Address          string
	Performer        string
	Price            string
	TicketURL        string

	Paywalled bool
}

// Page is a parsed response body
type Page struct {
	Meta Metadata
	Text string
}

// ParsePage decodes the body using the declared charset and extracts
// metadata and readable text. pageURL resolves relative links during
// article extraction.
func ParsePage(body []byte, contentType, pageURL string) (*Page, error) {
	if ct := strings.ToLower(contentType); strings.HasPrefix(ct, "text/plain") {
		text := cleanText(string(body))
		return &Page{Text: text}, nil
	}

	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		r = bytes.NewReader(body)
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	var scripts []string
	collectMetadata(doc, &page.Meta, &scripts)
	for _, s := range scripts {
		parseJSONLD(s, &page.Meta)
	}
	if !page.Meta.Paywalled {
		lower := strings.ToLower(string(body))
		for _, ind := range paywallIndicators {
			if strings.Contains(lower, ind) {
				page.Meta.Paywalled = true
				break
			}
		}
	}

	page.Text = articleText(doc, pageURL)
	return page, nil
}

// IsBotBlock reports whether text carries a bot-protection indicator
func IsBotBlock(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range botBlockIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// LooksBlocked reports whether the page is a bot-protection interstitial.
// Only the title and short pages are checked so that long articles which
// merely mention a CDN are not mistaken for a challenge page.
func (p *Page) LooksBlocked() bool {
	if IsBotBlock(p.Meta.Title) {
		return true
	}
	return utf8.RuneCountInString(p.Text) < maxChallengeText && IsBotBlock(p.Text)
}

// Content combines the metadata header and the readable text. Parts shorter
// than minPartLen are dropped; the result is empty when both are.
func (p *Page) Content() string {
	meta := FormatMetadata(p.Meta)
	text := truncateWithMarker(p.Text, maxPageText)

	metaOK := utf8.RuneCountInString(meta) > minPartLen
	textOK := utf8.RuneCountInString(text) > minPartLen
	switch {
	case metaOK && textOK:
		return meta + "\n\n[Page content]:\n" + text
	case metaOK:
		return meta
	case textOK:
		return text
	default:
		return ""
	}
}

// FormatMetadata renders metadata as short "Label: value" lines
func FormatMetadata(m Metadata) string {
	var parts []string
	add := func(label, value string) {
		if value != "" {
			parts = append(parts, label+": "+value)
		}
	}

	if m.Paywalled {
		parts = append(parts, "[PAYWALL: article is behind a paywall, only preview available]")
	}

	switch {
	case m.EventName != "":
		add("Event", m.EventName)
	case m.ArticleHeadline != "":
		add("Article", m.ArticleHeadline)
	case m.OGTitle != "":
		add("Title", m.OGTitle)
	default:
		add("Title", m.Title)
	}

	add("Author", m.Author)
	add("Published", m.DatePublished)
	add("Artist/Performer", m.Performer)
	date := m.EventDate
	if date != "" && m.EventEndDate != "" && m.EventEndDate != m.EventDate {
		date += " – " + m.EventEndDate
	}
	add("Date", date)

	if m.Venue != "" {
		venue := m.Venue
		if m.Address != "" {
			venue += ", " + m.Address
		}
		add("Venue", venue)
	}
	add("Price", m.Price)
	add("Tickets", m.TicketURL)

	for _, d := range []string{m.EventDescription, m.ArticleDescription, m.OGDescription, m.Description} {
		if d != "" {
			add("Description", truncateRunes(d, maxDescription))
			break
		}
	}
	return strings.Join(parts, "\n")
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collectMetadata(n *html.Node, m *Metadata, scripts *[]string) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if m.Title == "" {
				m.Title = strings.TrimSpace(nodeText(n))
			}
		case "meta":
			content := strings.TrimSpace(getAttr(n, "content"))
			if content == "" {
				break
			}
			key := strings.ToLower(getAttr(n, "property"))
			if key == "" {
				key = strings.ToLower(getAttr(n, "name"))
			}
			setFirst := func(dst *string) {
				if *dst == "" {
					*dst = content
				}
			}
			switch key {
			case "og:title":
				setFirst(&m.OGTitle)
			case "og:description":
				setFirst(&m.OGDescription)
			case "og:site_name":
				setFirst(&m.OGSiteName)
			case "description":
				setFirst(&m.Description)
			}
		case "script":
			if strings.EqualFold(getAttr(n, "type"), "application/ld+json") {
				*scripts = append(*scripts, nodeText(n))
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMetadata(c, m, scripts)
	}
}

func parseJSONLD(raw string, m *Metadata) {
	var data any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err != nil {
		return
	}
	for _, item := range jsonLDItems(data) {
		applyJSONLD(item, m)
	}
}

func jsonLDItems(data any) []map[string]any {
	var items []map[string]any
	switch v := data.(type) {
	case []any:
		for _, e := range v {
			items = append(items, jsonLDItems(e)...)
		}
	case map[string]any:
		items = append(items, v)
		if graph, ok := v["@graph"]; ok {
			items = append(items, jsonLDItems(graph)...)
		}
	}
	return items
}

func jsonString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

// names reads "name" from an object, a list of objects or a plain string
func names(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case map[string]any:
		return jsonString(x["name"])
	case []any:
		var out []string
		for _, e := range x {
			if n := names(e); n != "" {
				out = append(out, n)
			}
		}
		return strings.Join(out, ", ")
	}
	return ""
}

func firstObject(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case []any:
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func setIfEmpty(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func applyJSONLD(item map[string]any, m *Metadata) {
	var schemaType string
	switch t := item["@type"].(type) {
	case string:
		schemaType = t
	case []any:
		var types []string
		for _, e := range t {
			types = append(types, jsonString(e))
		}
		schemaType = strings.Join(types, ",")
	}

	if free, ok := item["isAccessibleForFree"]; ok {
		if strings.EqualFold(jsonString(free), "false") {
			m.Paywalled = true
		}
	}

	if strings.Contains(schemaType, "Article") || strings.Contains(schemaType, "BlogPosting") || strings.Contains(schemaType, "WebPage") {
		setIfEmpty(&m.ArticleHeadline, jsonString(item["headline"]))
		setIfEmpty(&m.ArticleDescription, truncateRunes(jsonString(item["description"]), maxDescription))
		setIfEmpty(&m.Author, names(item["author"]))
		setIfEmpty(&m.DatePublished, jsonString(item["datePublished"]))
	}

	if strings.Contains(schemaType, "Event") {
		setIfEmpty(&m.EventName, jsonString(item["name"]))
		setIfEmpty(&m.EventDate, jsonString(item["startDate"]))
		setIfEmpty(&m.EventEndDate, jsonString(item["endDate"]))
		setIfEmpty(&m.EventDescription, jsonString(item["description"]))
		setIfEmpty(&m.Performer, names(item["performer"]))

		if loc := firstObject(item["location"]); loc != nil {
			setIfEmpty(&m.Venue, jsonString(loc["name"]))
			switch addr := loc["address"].(type) {
			case string:
				setIfEmpty(&m.Address, strings.TrimSpace(addr))
			case map[string]any:
				setIfEmpty(&m.Address, jsonString(addr["streetAddress"]))
			}
		}
		if offer := firstObject(item["offers"]); offer != nil {
			if price := jsonString(offer["price"]); price != "" {
				setIfEmpty(&m.Price, strings.TrimSpace(price+" "+jsonString(offer["priceCurrency"])))
			}
			setIfEmpty(&m.TicketURL, jsonString(offer["url"]))
		}
	}
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// articleText runs readability over the document and falls back to
// readableText when it finds no article of useful length
func articleText(doc *html.Node, pageURL string) string {
	fallback := readableText(doc)

	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return fallback
	}
	article, err := readability.FromDocument(doc, base)
	if err != nil {
		return fallback
	}
	if text := cleanText(article.TextContent); utf8.RuneCountInString(text) > minArticleText {
		return text
	}
	return fallback
}

// readableText prefers <article>, then <main>, then <body>, skipping
// navigation and other boilerplate elements
func readableText(doc *html.Node) string {
	for _, tag := range []string{"article", "main"} {
		if n := findFirst(doc, tag); n != nil {
			if text := blockText(n); utf8.RuneCountInString(text) > minArticleText {
				return text
			}
		}
	}
	if body := findFirst(doc, "body"); body != nil {
		return blockText(body)
	}
	return blockText(doc)
}

func blockText(root *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if depth > 100 {
			return
		}
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipElements[n.Data] || getAttr(n, "aria-hidden") == "true" || hasAttr(n, "hidden") {
				return
			}
			if blockElements[n.Data] {
				sb.WriteString("\n")
				defer sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return cleanText(sb.String())
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesPattern.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func truncateWithMarker(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
