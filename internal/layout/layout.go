// Package layout wraps rendered post fragments in full HTML pages and builds
// the site index.
package layout

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

const descriptionLimit = 160

// Site carries values shared by every page.
type Site struct {
	Title            string
	BaseURL          string
	Stylesheets      []string
	LiveReloadScript string
	GeneratedAt      string
	Year             int
	LiveReload       bool
}

// Post is the data for a single published page.
type Post struct {
	Key         string
	Kind        string
	Title       string
	Date        string
	UpdatedAt   string
	Description string
	HTML        template.HTML
	Tags        []string
}

// Entry is one link on the index page.
type Entry struct {
	Key   string
	Title string
	URL   string
	Date  string
}

// Section groups index entries under a heading.
type Section struct {
	ID      string
	Heading string
	Label   string
	Entries []Entry
}

type pageData struct {
	Site        Site
	Post        *Post
	Title       string
	Description string
	Canonical   string
	Sections    []Section
}

// Layout is a parsed set of page templates. It is safe for concurrent use.
type Layout struct {
	tmpl   *template.Template
	digest string
}

// Digest identifies the template sources the layout was parsed from.
func (l *Layout) Digest() string {
	return l.digest
}

// RenderPost renders a full post page.
func (l *Layout) RenderPost(site Site, post Post) ([]byte, error) {
	if post.Description == "" {
		post.Description = Summarize(string(post.HTML), descriptionLimit)
	}
	data := pageData{
		Site:        site,
		Post:        &post,
		Title:       post.Title,
		Description: post.Description,
	}
	if site.BaseURL != "" {
		data.Canonical = strings.TrimSuffix(site.BaseURL, "/") + PostURL(post.Key)
	}
	return l.execute("post", data)
}

// RenderIndex renders the site index page.
func (l *Layout) RenderIndex(site Site, sections []Section) ([]byte, error) {
	data := pageData{
		Site:        site,
		Title:       site.Title,
		Description: site.Title,
		Sections:    sections,
	}
	if site.BaseURL != "" {
		data.Canonical = strings.TrimSuffix(site.BaseURL, "/") + "/"
	}
	return l.execute("index", data)
}

func (l *Layout) execute(name string, data pageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := l.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s page: %w", name, err)
	}
	return buf.Bytes(), nil
}

// PostURL returns the published URL path for key.
func PostURL(key string) string {
	return "/articles/" + key + "/"
}

// Summarize returns the first limit characters of an HTML fragment's text.
func Summarize(fragment string, limit int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"longDate": func(date string) string {
			return formatDate(date, "Mon, Jan 2, 2006")
		},
		"shortDate": func(date string) string {
			return formatDate(date, "Jan 2, 2006")
		},
		"sectionNumber": func(i int) string {
			return fmt.Sprintf("%02d", i+1)
		},
	}
}

func formatDate(date, layout string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.Format(layout)
}

func parseEmbedded() (*template.Template, error) {
	return template.New("layout").Funcs(funcs()).ParseFS(templateFS, "templates/*.gohtml")
}
