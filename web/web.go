// Package web holds the search page templates and static assets.
package web

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/menta2k/image-search/pkg/types"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Pages rendered on top of the base layout
const (
	PageSearch = "search"
)

// SearchForm is the name of the search options form
const SearchForm = "form_search"

// PageData is passed to every page template
type PageData struct {
	Title      string
	Version    string
	NumResults []int
	Defaults   types.SearchOptions
}

// NewPageData returns page data with the default search options
func NewPageData(title, version string, defaults types.SearchOptions) PageData {
	if !types.ValidNumResults(defaults.NumResults) {
		defaults.NumResults = types.AllowedNumResults[1]
	}
	return PageData{
		Title:      title,
		Version:    version,
		NumResults: types.AllowedNumResults,
		Defaults:   defaults,
	}
}

// Renderer renders pages from the embedded templates
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer parses the base layout together with every page
func NewRenderer() (*Renderer, error) {
	base, err := template.New("base.html").ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base layout: %w", err)
	}

	r := &Renderer{pages: map[string]*template.Template{}}
	for _, page := range []string{PageSearch} {
		t, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFS, "templates/"+page+".html"); err != nil {
			return nil, fmt.Errorf("failed to parse page %s: %w", page, err)
		}
		r.pages[page] = t
	}
	return r, nil
}

// Render executes page into w. Output is buffered so a template error never
// leaves a half written response.
func (r *Renderer) Render(w io.Writer, page string, data any) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		return fmt.Errorf("failed to render %s: %w", page, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// Static serves the embedded assets. When dir is set, files in dir take
// precedence; vendor libraries such as jQuery are installed there.
func Static(dir string) http.Handler {
	embedded, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	var fsys fs.FS = embedded
	if dir != "" {
		fsys = overlayFS{upper: os.DirFS(dir), lower: embedded}
	}
	return http.FileServerFS(fsys)
}

type overlayFS struct {
	upper fs.FS
	lower fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	f, err := o.upper.Open(name)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return o.lower.Open(name)
}

// Report describes the structure of a rendered document
type Report struct {
	IDs        []string
	Duplicates []string
	FormFields []string
	Assets     []string
}

// CheckDocument parses an HTML document and reports its element ids,
// duplicated ids, the field names of the search form and the referenced
// script and stylesheet paths.
func CheckDocument(r io.Reader) (Report, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Report{}, fmt.Errorf("failed to parse document: %w", err)
	}

	var rep Report
	seen := map[string]int{}
	var walk func(n *html.Node, inForm bool)
	walk = func(n *html.Node, inForm bool) {
		if n.Type == html.ElementNode {
			if id := attr(n, "id"); id != "" {
				rep.IDs = append(rep.IDs, id)
				seen[id]++
				if seen[id] == 2 {
					rep.Duplicates = append(rep.Duplicates, id)
				}
			}
			switch n.Data {
			case "form":
				if attr(n, "id") == SearchForm || attr(n, "name") == SearchForm {
					inForm = true
				}
			case "input", "select", "textarea", "button":
				if name := attr(n, "name"); inForm && name != "" && !contains(rep.FormFields, name) {
					rep.FormFields = append(rep.FormFields, name)
				}
			case "script":
				if src := attr(n, "src"); src != "" {
					rep.Assets = append(rep.Assets, src)
				}
			case "link":
				if attr(n, "rel") == "stylesheet" {
					rep.Assets = append(rep.Assets, attr(n, "href"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inForm)
		}
	}
	walk(doc, false)

	sort.Strings(rep.Duplicates)
	return rep, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
