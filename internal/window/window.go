// internal/window/window.go
package window

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/wacopilot/internal/types"
)

// DefaultEncoding is the tokenizer used when no model-specific one is found.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens in a line of text.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates roughly four runes per token. It needs no
// tokenizer data and is used when the BPE ranks cannot be loaded.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// NewTokenCounter returns a tiktoken counter for model, falling back to
// DefaultEncoding for unknown models.
func NewTokenCounter(model string) (TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return tiktokenCounter{enc: enc}, nil
}

// Builder assembles the conversation excerpt sent with suggestion requests.
type Builder struct {
	counter TokenCounter
}

// New creates a Builder. A nil counter uses ApproxCounter.
func New(counter TokenCounter) *Builder {
	if counter == nil {
		counter = ApproxCounter{}
	}
	return &Builder{counter: counter}
}

// Build picks the most recent messages that fit within maxMessages lines and
// tokenBudget tokens, walking backwards from the newest. The result is
// ordered oldest to newest. Non-positive limits are not enforced.
func (b *Builder) Build(events []*types.MessageEvent, maxMessages, tokenBudget int) []string {
	var picked []string
	used := 0

	for i := len(events) - 1; i >= 0; i-- {
		if maxMessages > 0 && len(picked) >= maxMessages {
			break
		}
		line := FormatLine(events[i])
		if line == "" {
			continue
		}

		tokens := b.counter.Count(line)
		if tokenBudget > 0 && used+tokens > tokenBudget {
			break
		}
		picked = append(picked, line)
		used += tokens
	}

	for l, r := 0, len(picked)-1; l < r; l, r = l+1, r-1 {
		picked[l], picked[r] = picked[r], picked[l]
	}
	return picked
}

// FormatLine renders one message as "<speaker>: <text>". Messages without
// text render as "".
func FormatLine(ev *types.MessageEvent) string {
	text := ev.TextNormalized
	if text == "" {
		text = strings.TrimSpace(ev.Text)
	}
	if text == "" {
		return ""
	}
	return speaker(ev.AuthorRole) + ": " + text
}

func speaker(role types.AuthorRole) string {
	switch role {
	case types.RoleSelf:
		return "Me"
	case types.RoleContact:
		return "Contact"
	default:
		return "System"
	}
}
