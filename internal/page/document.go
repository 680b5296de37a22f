// Package page holds the host page as a parsed HTML document and publishes
// inserted nodes to subscribers, standing in for a browser mutation observer.
package page

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/dom"
	"golang.org/x/net/html"
)

// Mutation is one batch of inserted nodes. Root and URL describe the
// document the nodes now belong to.
type Mutation struct {
	Root  *html.Node
	URL   string
	Added []*html.Node
}

// Document is a concurrency-safe page. Every read and write, including
// subscriber callbacks, runs under a single lock so subscribers always see a
// consistent tree. Subscribers must not call back into the Document.
type Document struct {
	mu     sync.Mutex
	root   *html.Node
	url    string
	nextID int
	subs   map[int]func(Mutation)
}

// NewDocument parses src as a full HTML document.
func NewDocument(src, url string) (*Document, error) {
	return Parse(strings.NewReader(src), url)
}

// Parse reads a full HTML document from r.
func Parse(r io.Reader, url string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{
		root: root,
		url:  url,
		subs: make(map[int]func(Mutation)),
	}, nil
}

// View calls fn with the current tree while holding the document lock.
func (d *Document) View(fn func(root *html.Node, url string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root, d.url)
}

// URL returns the current page URL.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// SetURL records navigation without changing the tree.
func (d *Document) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
}

// Subscribe registers fn for every subsequent mutation batch.
func (d *Document) Subscribe(fn func(Mutation)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs, id)
		})
	}
}

// Append parses fragment in the context of <body>, appends the resulting
// nodes to it and notifies subscribers.
func (d *Document) Append(fragment string) ([]*html.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	body := findBody(d.root)
	if body == nil {
		return nil, fmt.Errorf("document has no body")
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	d.notify(nodes)
	return nodes, nil
}

// Replace swaps in a freshly parsed document and reports every child of the
// new body as inserted.
func (d *Document) Replace(src, url string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = root
	if url != "" {
		d.url = url
	}
	var added []*html.Node
	if body := findBody(root); body != nil {
		added = dom.AllChildNodes(body)
	}
	d.notify(added)
	return nil
}

// notify must be called with d.mu held.
func (d *Document) notify(added []*html.Node) {
	if len(added) == 0 {
		return
	}
	m := Mutation{Root: d.root, URL: d.url, Added: added}
	for _, fn := range d.subs {
		fn(m)
	}
}

func findBody(root *html.Node) *html.Node {
	if root == nil {
		return nil
	}
	return dom.FindFirstNode(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "body"
	})
}
