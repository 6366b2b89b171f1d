package chat

import (
	"os"
	"strings"
	"sync"
)

// KeyPool hands out API keys in order and rotates on failure
type KeyPool struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewKeyPool creates a pool from the non-empty keys
func NewKeyPool(keys ...string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// Current returns the key in use, or "" for an empty pool
func (p *KeyPool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.idx]
}

// Rotate advances to the next key and returns it
func (p *KeyPool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	p.idx = (p.idx + 1) % len(p.keys)
	return p.keys[p.idx]
}

// Reset replaces the keys and starts again from the first one
func (p *KeyPool) Reset(keys ...string) {
	fresh := NewKeyPool(keys...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = fresh.keys
	p.idx = 0
}

// Len returns the number of keys
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// RedactKey keeps the last four characters of a key for error records
func RedactKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// EnvKeys returns the API keys found in the environment for a provider.
// FOO_API_KEY is read first, then FOO_API_KEYS as a comma separated list.
func EnvKeys(provider string) []string {
	var prefix string
	switch strings.ToLower(provider) {
	case "gemini", "google":
		prefix = "GEMINI"
	case "anthropic", "claude":
		prefix = "ANTHROPIC"
	case "openai":
		prefix = "OPENAI"
	case "openrouter":
		prefix = "OPENROUTER"
	case "groq":
		prefix = "GROQ"
	case "deepseek":
		prefix = "DEEPSEEK"
	default:
		return nil
	}

	var keys []string
	if key := os.Getenv(prefix + "_API_KEY"); key != "" {
		keys = append(keys, key)
	}
	for _, key := range strings.Split(os.Getenv(prefix+"_API_KEYS"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
