package observer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/dom"
	"golang.org/x/net/html"

	"github.com/user/wacopilot/internal/types"
)

const (
	attrMessageID   = "data-id"
	attrPrePlain    = "data-pre-plain-text"
	classSelectable = "selectable-text"
	classOutgoing   = "message-out"
	classIncoming   = "message-in"
)

// prePlainRe matches the host page's "[HH:MM, D/M/YY(YY)] Author:" prefix.
var prePlainRe = regexp.MustCompile(`\[(\d{1,2}):(\d{2}),\s*(\d{1,2})/(\d{1,2})/(\d{2}|\d{4})\]\s*([^:]*)`)

type extraction struct {
	SourceID  string
	Role      types.AuthorRole
	Author    string
	Text      string
	Timestamp time.Time
}

// isCandidate reports whether n is a message-bearing element: it carries a
// message id, or it is a pre-formatted text block outside any identified
// message. Nested identified elements belong to their outermost ancestor.
func isCandidate(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if _, ok := dom.GetAttribute(n, attrMessageID); ok {
		return !hasAncestorWithAttr(n, attrMessageID)
	}
	if _, ok := dom.GetAttribute(n, attrPrePlain); ok {
		return !hasAncestorWithAttr(n, attrMessageID) && !hasAncestorWithAttr(n, attrPrePlain)
	}
	return false
}

func hasAncestorWithAttr(n *html.Node, key string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if _, ok := dom.GetAttribute(p, key); ok {
			return true
		}
	}
	return false
}

// candidatesIn returns the message elements touched by an inserted node:
// the node itself or its enclosing message, plus any messages inside it.
func candidatesIn(n *html.Node) []*html.Node {
	var out []*html.Node
	for p := n; p != nil; p = p.Parent {
		if isCandidate(p) {
			out = append(out, p)
			break
		}
	}
	if n.Type == html.ElementNode || n.Type == html.DocumentNode {
		out = append(out, dom.FindAllNodes(n, isCandidate)...)
	}
	return out
}

func extract(n *html.Node, loc *time.Location) extraction {
	ex := extraction{
		SourceID: strings.TrimSpace(dom.GetAttributeOr(n, attrMessageID, "")),
		Role:     inferRole(n),
		Text:     extractText(n),
	}
	if raw, ok := prePlainText(n); ok {
		if ts, author, ok := parsePrePlain(raw, loc); ok {
			ex.Timestamp = ts
			ex.Author = author
		}
	}
	return ex
}

// extractText joins the outermost selectable-text spans. Messages without
// such spans fall back to the element's whole text.
func extractText(n *html.Node) string {
	spans := dom.FindAllNodes(n, func(c *html.Node) bool {
		return c.Type == html.ElementNode && dom.HasClass(c, classSelectable) && !insideSelectable(c, n)
	})
	if len(spans) == 0 {
		return strings.TrimSpace(dom.CollectText(n))
	}
	parts := make([]string, 0, len(spans))
	for _, s := range spans {
		if text := strings.TrimSpace(dom.CollectText(s)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func insideSelectable(n, stop *html.Node) bool {
	for p := n.Parent; p != nil && p != stop; p = p.Parent {
		if p.Type == html.ElementNode && dom.HasClass(p, classSelectable) {
			return true
		}
	}
	return false
}

// inferRole looks for direction markers on the element and its ancestors,
// then on its first marked descendant.
func inferRole(n *html.Node) types.AuthorRole {
	for p := n; p != nil; p = p.Parent {
		if role, ok := roleOf(p); ok {
			return role
		}
	}
	marked := dom.FindFirstNode(n, func(c *html.Node) bool {
		_, ok := roleOf(c)
		return ok
	})
	if marked != nil {
		role, _ := roleOf(marked)
		return role
	}
	return types.RoleSystem
}

func roleOf(n *html.Node) (types.AuthorRole, bool) {
	if n.Type != html.ElementNode {
		return "", false
	}
	switch {
	case dom.HasClass(n, classOutgoing):
		return types.RoleSelf, true
	case dom.HasClass(n, classIncoming):
		return types.RoleContact, true
	}
	return "", false
}

func prePlainText(n *html.Node) (string, bool) {
	if v, ok := dom.GetAttribute(n, attrPrePlain); ok {
		return v, true
	}
	found := dom.FindFirstNode(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return false
		}
		_, ok := dom.GetAttribute(c, attrPrePlain)
		return ok
	})
	if found == nil {
		return "", false
	}
	return dom.GetAttributeOr(found, attrPrePlain, ""), true
}

// parsePrePlain parses "[HH:MM, D/M/YY(YY)] Author:" in loc. Two-digit
// years are taken as 20YY.
func parsePrePlain(raw string, loc *time.Location) (time.Time, string, bool) {
	m := prePlainRe.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	month, _ := strconv.Atoi(m[4])
	year, _ := strconv.Atoi(m[5])
	if len(m[5]) == 2 {
		year += 2000
	}
	if hour > 23 || minute > 59 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, "", false
	}
	if loc == nil {
		loc = time.Local
	}
	ts := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if ts.Day() != day {
		// 31/02 and friends roll over into the next month
		return time.Time{}, "", false
	}
	return ts, strings.TrimSpace(m[6]), true
}
