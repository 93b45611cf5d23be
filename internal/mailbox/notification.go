package mailbox

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Change is one document update announced by a notification email.
type Change struct {
	URL       *url.URL
	Change    string
	UpdatedAt string
	Category  string
}

// The notification service writes a zero-width space into "GOV.UK" to
// defeat link detection; strip it before matching titles.
func cleanTitle(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u200b", ""))
}

// parseNotification extracts the announced changes from a notification
// email's HTML body. The feed uses two layouts: a single-update message
// and a bulk/daily digest grouped by category. Service emails (link
// expiry notices, subscription blurbs) yield no changes.
func parseNotification(htmlBody, trackedHost string) ([]Change, error) {
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return nil, fmt.Errorf("parse notification html: %w", err)
	}

	paragraphs := elements(doc, atom.P)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("notification has no paragraphs")
	}

	switch title := cleanTitle(nodeText(paragraphs[0])); title {
	case "Update on GOV.UK.":
		return parseSingle(paragraphs[1:], trackedHost)
	case "Update from GOV.UK for:", "Daily update from GOV.UK for:":
		return parseBulk(doc, trackedHost)
	case "This link will stop working after 7 days.",
		"You’ll get an email from GOV.UK each time we add or update a page about:":
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected email title %q", title)
	}
}

// parseSingle handles the single-update layout: a paragraph linking the
// document followed by "Change" and "Time" paragraphs.
func parseSingle(paragraphs []*html.Node, trackedHost string) ([]Change, error) {
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("missing document title paragraph")
	}
	link := firstElement(paragraphs[0], atom.A)
	if link == nil {
		return nil, fmt.Errorf("no link on document title")
	}
	change, updatedAt, err := parseChangeFields(paragraphs[1:])
	if err != nil {
		return nil, err
	}
	parsed, err := changeFrom(change, attrValue(link, "href"), updatedAt, trackedHost)
	if err != nil {
		return nil, err
	}
	return []Change{parsed}, nil
}

// parseBulk handles the digest layout: the first <h2> names the
// category, each following <h2> links one updated document with its
// change paragraphs up to an <hr> separator.
func parseBulk(doc *html.Node, trackedHost string) ([]Change, error) {
	headings := elements(doc, atom.H2)
	if len(headings) == 0 {
		return nil, fmt.Errorf("expected section heading")
	}
	category := cleanTitle(nodeText(headings[0]))

	var changes []Change
	for _, heading := range headings[1:] {
		if cleanTitle(nodeText(heading)) == "Why am I getting this email?" {
			continue
		}
		link := firstElement(heading, atom.A)
		if link == nil {
			return nil, fmt.Errorf("update heading missing link")
		}

		var section []*html.Node
		for sibling := heading.NextSibling; sibling != nil; sibling = sibling.NextSibling {
			if sibling.Type != html.ElementNode {
				continue
			}
			if sibling.DataAtom == atom.Hr {
				break
			}
			if sibling.DataAtom == atom.P {
				section = append(section, sibling)
			}
		}
		change, updatedAt, err := parseChangeFields(section)
		if err != nil {
			return nil, fmt.Errorf("bulk update section: %w", err)
		}
		parsed, err := changeFrom(change, attrValue(link, "href"), updatedAt, trackedHost)
		if err != nil {
			return nil, err
		}
		parsed.Category = category
		changes = append(changes, parsed)
	}
	return changes, nil
}

// parseChangeFields scans "key: value" paragraphs for the change
// description and timestamp. Each paragraph's first text node names the
// field, the following text node carries the value.
func parseChangeFields(paragraphs []*html.Node) (change, updatedAt string, err error) {
	var haveChange, haveTime bool
	for i, p := range paragraphs {
		if i >= 3 {
			break
		}
		texts := textNodes(p)
		if len(texts) == 0 {
			return "", "", fmt.Errorf("paragraph with no text")
		}
		key := texts[0]
		rest := ""
		if len(texts) > 1 {
			rest = strings.Join(texts[1:], "")
		}
		switch {
		case strings.Contains(key, "Change"):
			change, haveChange = rest, true
		case strings.Contains(key, "Time"):
			updatedAt, haveTime = rest, true
		case strings.Contains(key, "summary"):
			// page summary, unused
		default:
			return "", "", fmt.Errorf("unknown field %q", strings.TrimSpace(key))
		}
		if haveChange && haveTime {
			break
		}
	}
	if !haveChange {
		return "", "", fmt.Errorf("missing change description")
	}
	if !haveTime {
		return "", "", fmt.Errorf("missing update timestamp")
	}
	return change, updatedAt, nil
}

func changeFrom(change, href, updatedAt, trackedHost string) (Change, error) {
	u, err := url.Parse(href)
	if err != nil {
		return Change{}, fmt.Errorf("parse change link %q: %w", href, err)
	}
	if u.Host != trackedHost {
		return Change{}, fmt.Errorf("link to untracked host %q", u.Host)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return Change{URL: u, Change: change, UpdatedAt: updatedAt}, nil
}

// confirmationLink returns the first link matching the
// confirmation-link prefix, or "" when the message is not a
// subscription confirmation.
func confirmationLink(htmlBody, confirmPrefix string) string {
	if confirmPrefix == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(htmlBody))
	if err != nil {
		return ""
	}
	for _, a := range elements(doc, atom.A) {
		if href := attrValue(a, "href"); strings.HasPrefix(href, confirmPrefix) {
			return href
		}
	}
	return ""
}

func elements(n *html.Node, a atom.Atom) []*html.Node {
	var found []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = append(found, n)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return found
}

func firstElement(n *html.Node, a atom.Atom) *html.Node {
	if found := elements(n, a); len(found) > 0 {
		return found[0]
	}
	return nil
}

func textNodes(n *html.Node) []string {
	var texts []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) != "" {
			texts = append(texts, n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return texts
}

func nodeText(n *html.Node) string {
	var buf bytes.Buffer
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return buf.String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
