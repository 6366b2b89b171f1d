package context

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

const (
	// messageOverhead covers the role and framing of a message
	messageOverhead = 4
	// blobTokens is charged for any inline blob regardless of size
	blobTokens = 258
)

// TokenCounter estimates tokens for messages the provider has not counted.
// Parts never change once added, so estimates are cached by part id.
type TokenCounter struct {
	mu    sync.Mutex
	cache map[partKey]int
}

type partKey struct {
	id     int64
	family string
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{cache: make(map[partKey]int)}
}

// charsPerToken is the average for the model family, times ten
func charsPerToken(family string) int {
	switch family {
	case "claude":
		return 35
	default:
		return 40
	}
}

func modelFamily(model string) string {
	model = strings.ToLower(model)
	for _, f := range []string{"claude", "gemini", "gpt"} {
		if strings.Contains(model, f) {
			return f
		}
	}
	return ""
}

func estimateText(text, family string) int {
	text = strings.Join(strings.Fields(text), " ")
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	tokens := n * 10 / charsPerToken(family)
	if family == "claude" {
		tokens += 2 * strings.Count(text, "```")
	}
	return max(tokens, 1)
}

func (tc *TokenCounter) part(p *llm.Part, family string) int {
	key := partKey{id: p.ID, family: family}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if n, ok := tc.cache[key]; ok && p.ID != 0 {
		return n
	}

	n := blobTokens
	if p.Kind() != llm.KindBlob {
		n = estimateText(p.AsText(), family)
	}
	if p.ID != 0 {
		tc.cache[key] = n
	}
	return n
}

// CountMessage estimates the tokens of msg for model
func (tc *TokenCounter) CountMessage(msg *llm.Message, model string) int {
	family := modelFamily(model)
	total := messageOverhead
	for _, p := range msg.Parts() {
		total += tc.part(p, family)
	}
	return total
}

// Forget drops cached estimates of parts that left the history
func (tc *TokenCounter) Forget(partIDs ...int64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for key := range tc.cache {
		for _, id := range partIDs {
			if key.id == id {
				delete(tc.cache, key)
			}
		}
	}
}
