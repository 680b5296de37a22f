package observer

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/dom"
	"golang.org/x/net/html"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/user/wacopilot/internal/types"
)

// DefaultMaxUnknownStreak is how many consecutive unknown readings the
// Resolver bridges before giving up the last known conversation.
const DefaultMaxUnknownStreak = 3

var jidRe = regexp.MustCompile(`^(?:true|false)_([^_@]+@(?:c\.us|g\.us|s\.whatsapp\.net|lid|broadcast|newsletter))(?:_|$)`)

// ResolveConversationID derives the open conversation from the page. It
// prefers a phone/JID, then the URL path, then the header title, and falls
// back to types.UnknownConversation.
func ResolveConversationID(root *html.Node, pageURL string) types.ConversationID {
	if jid := jidFromMessages(root); jid != "" {
		return types.NewConversationID("wa", "jid", jid)
	}

	u, _ := url.Parse(pageURL)
	if u != nil {
		if phone := digitsOnly(u.Query().Get("phone")); phone != "" {
			return types.NewConversationID("wa", "phone", phone)
		}
		if seg := lastPathSegment(u.Path); seg != "" {
			return types.NewConversationID("wa", "path", seg)
		}
	}

	if title := headerTitle(root); title != "" {
		if slug := Slugify(title); slug != "" {
			return types.NewConversationID("wa", "title", slug)
		}
	}
	return types.UnknownConversation
}

func jidFromMessages(root *html.Node) string {
	if root == nil {
		return ""
	}
	var jid string
	dom.FindFirstNode(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		id, ok := dom.GetAttribute(n, attrMessageID)
		if !ok {
			return false
		}
		if m := jidRe.FindStringSubmatch(id); m != nil {
			jid = m[1]
			return true
		}
		return false
	})
	return jid
}

func lastPathSegment(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if seg, err := url.PathUnescape(parts[i]); err == nil && strings.TrimSpace(seg) != "" {
			return strings.ToLower(strings.TrimSpace(seg))
		}
	}
	return ""
}

// headerTitle reads the conversation title shown in the chat header.
func headerTitle(root *html.Node) string {
	if root == nil {
		return ""
	}
	header := dom.FindFirstNode(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "header"
	})
	if header == nil {
		return ""
	}
	titled := dom.FindFirstNode(header, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "span" {
			return false
		}
		v, ok := dom.GetAttribute(n, "title")
		return ok && strings.TrimSpace(v) != ""
	})
	if titled == nil {
		return ""
	}
	return strings.TrimSpace(dom.GetAttributeOr(titled, "title", ""))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Slugify lowercases s, strips diacritics and joins alphanumeric runs with "-".
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Resolver smooths conversation readings across transient page states: a
// short run of unknown readings keeps the last known conversation. This is
// best-effort signal smoothing, not identity resolution.
type Resolver struct {
	MaxUnknownStreak int

	last   types.ConversationID
	streak int
}

func NewResolver() *Resolver {
	return &Resolver{MaxUnknownStreak: DefaultMaxUnknownStreak}
}

func (r *Resolver) Resolve(root *html.Node, pageURL string) types.ConversationID {
	id := ResolveConversationID(root, pageURL)
	if id != types.UnknownConversation {
		r.last = id
		r.streak = 0
		return id
	}
	if r.last == "" {
		return id
	}
	r.streak++
	if r.streak > r.MaxUnknownStreak {
		r.last = ""
		r.streak = 0
		return id
	}
	return r.last
}

// Current returns the last resolved conversation, or the unknown sentinel.
func (r *Resolver) Current() types.ConversationID {
	if r.last == "" {
		return types.UnknownConversation
	}
	return r.last
}
