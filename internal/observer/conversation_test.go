package observer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/user/wacopilot/internal/types"
)

func parseDoc(t *testing.T, src string) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return root
}

func TestResolveConversationID(t *testing.T) {
	tests := []struct {
		name string
		src  string
		url  string
		want types.ConversationID
	}{
		{
			name: "jid from message id",
			src:  `<div data-id="false_5511987654321@c.us_3EB0ABCDEF">oi</div>`,
			url:  "https://web.whatsapp.com/",
			want: "wa:jid:5511987654321@c.us",
		},
		{
			name: "group jid",
			src:  `<div data-id="true_120363025@g.us_3EB0_5511@c.us">oi</div>`,
			url:  "https://web.whatsapp.com/",
			want: "wa:jid:120363025@g.us",
		},
		{
			name: "phone query parameter",
			src:  `<div data-id="msg-1">oi</div>`,
			url:  "https://web.whatsapp.com/send?phone=%2B55-11-98765-4321",
			want: "wa:phone:5511987654321",
		},
		{
			name: "path segment",
			src:  `<header><span title="Ana">Ana</span></header>`,
			url:  "https://example.test/chats/Room42/",
			want: "wa:path:room42",
		},
		{
			name: "header title",
			src:  `<div id="main"><header><span title="São Paulo Família">x</span></header></div>`,
			url:  "https://web.whatsapp.com/",
			want: "wa:title:sao-paulo-familia",
		},
		{
			name: "empty document",
			src:  ``,
			url:  "",
			want: types.UnknownConversation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveConversationID(parseDoc(t, tt.src), tt.url))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "joao-maria", Slugify("  João & Maria!! "))
	assert.Equal(t, "", Slugify("!!!"))
}

func TestResolverSmoothsUnknownReadings(t *testing.T) {
	known := parseDoc(t, `<div data-id="false_5511@c.us_X">oi</div>`)
	empty := parseDoc(t, ``)

	r := NewResolver()
	assert.Equal(t, types.UnknownConversation, r.Resolve(empty, ""))

	want := types.ConversationID("wa:jid:5511@c.us")
	assert.Equal(t, want, r.Resolve(known, ""))
	for range DefaultMaxUnknownStreak {
		assert.Equal(t, want, r.Resolve(empty, ""))
	}
	assert.Equal(t, types.UnknownConversation, r.Resolve(empty, ""))
	assert.Equal(t, types.UnknownConversation, r.Current())
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Add("c"))

	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	assert.Equal(t, 2, s.Len())
}
