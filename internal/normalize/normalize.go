// Package normalize reduces a fetched HTML page to the canonical
// content fragment used for revision identity and diffing.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrContentRegionMissing is returned when the page has no main
// content landmark, usually because the page structure changed.
var ErrContentRegionMissing = errors.New("normalize: content region missing")

// Attributes that vary between fetches of identical content.
var volatileAttrs = map[string]bool{
	"id":              true,
	"aria-labelledby": true,
	"aria-hidden":     true,
}

// Classes marking chrome that is stripped from the content region.
var skipClasses = map[string]bool{
	"gem-c-contextual-sidebar": true,
}

// Normalize parses raw HTML and renders the first <main> landmark with
// scripts, styles, navigation and volatile attributes removed. The
// output is deterministic: identical input bytes always yield identical
// output bytes.
func Normalize(raw []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	main := findElement(doc, atom.Main)
	if main == nil {
		return nil, ErrContentRegionMissing
	}
	clean(main)

	var buf bytes.Buffer
	if err := html.Render(&buf, main); err != nil {
		return nil, fmt.Errorf("render content region: %w", err)
	}
	return buf.Bytes(), nil
}

// Attachments extracts attachment links from a normalized content
// fragment: anchors inside an "attachment" block's title or download
// section. Links are resolved against base, the base itself excluded,
// duplicates removed with order preserved.
func Attachments(normalized []byte, base *url.URL) ([]*url.URL, error) {
	doc, err := html.Parse(bytes.NewReader(normalized))
	if err != nil {
		return nil, fmt.Errorf("parse content fragment: %w", err)
	}

	var links []*url.URL
	seen := make(map[string]bool)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			return true
		}
		if !hasAncestorClass(n, "title") && !hasAncestorClass(n, "download") {
			return true
		}
		if !hasAncestorClass(n, "attachment") {
			return true
		}
		href := attr(n, "href")
		if href == "" {
			return true
		}
		resolved, err := base.Parse(href)
		if err != nil || resolved.String() == base.String() {
			return true
		}
		if !seen[resolved.String()] {
			seen[resolved.String()] = true
			links = append(links, resolved)
		}
		return true
	})
	return links, nil
}

func clean(n *html.Node) {
	var next *html.Node
	for child := n.FirstChild; child != nil; child = next {
		next = child.NextSibling
		switch child.Type {
		case html.CommentNode, html.DoctypeNode:
			n.RemoveChild(child)
		case html.ElementNode:
			if removableElement(child) {
				n.RemoveChild(child)
				continue
			}
			clean(child)
		}
	}
	if n.Type == html.ElementNode {
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Namespace == "" && (volatileAttrs[a.Key] || strings.HasPrefix(a.Key, "data-ga")) {
				continue
			}
			attrs = append(attrs, a)
		}
		sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
		n.Attr = attrs
	}
}

func removableElement(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Nav, atom.Noscript, atom.Iframe:
		return true
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		if skipClasses[class] {
			return true
		}
	}
	return false
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, a); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

func hasAncestorClass(n *html.Node, class string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		for _, c := range strings.Fields(attr(p, "class")) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
