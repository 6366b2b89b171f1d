package providers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// Provider names, as used in providerClasses and for API key lookup
const (
	Gemini    = "gemini"
	Anthropic = "anthropic"
	OpenAI    = "openai"
)

// ErrUnknownProvider is returned for a provider name the factory cannot build
var ErrUnknownProvider = errors.New("unknown provider")

// Names lists every provider the factory can build
func Names() []string {
	return []string{Gemini, Anthropic, OpenAI}
}

// Options configures an adapter
type Options struct {
	// APIKey is used by ListModels and by requests that carry no key
	APIKey string
	// BaseURL overrides the vendor endpoint
	BaseURL    string
	HTTPClient *http.Client
	// CacheDir holds model lists between runs; empty disables the cache
	CacheDir string
	CacheTTL time.Duration
	// DefaultMaxTokens is sent when a request does not set MaxOutputTokens
	// and the vendor requires a value
	DefaultMaxTokens int64
	Logger           *log.Logger
}

// DefaultOptions caches model lists under ~/.forgechat/cache for a day
func DefaultOptions() Options {
	opts := Options{CacheTTL: 24 * time.Hour, DefaultMaxTokens: 8192}
	if home, err := os.UserHomeDir(); err == nil {
		opts.CacheDir = filepath.Join(home, ".forgechat", "cache")
	}
	return opts
}

func (o Options) normalize(name string) Options {
	if o.Logger == nil {
		o.Logger = log.WithPrefix(name)
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = 8192
	}
	return o
}

// New builds the adapter for a provider name
func New(name string, opts Options) (llm.Provider, error) {
	switch strings.ToLower(name) {
	case Gemini:
		return NewGemini(opts), nil
	case Anthropic:
		return NewAnthropic(opts), nil
	case OpenAI:
		return NewOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// DetectProvider guesses the provider from a model id. It returns "" when
// the id matches no known family.
func DetectProvider(modelID string) string {
	id := strings.ToLower(modelID)
	if i := strings.Index(id, "/"); i >= 0 {
		switch prefix := id[:i]; prefix {
		case "anthropic":
			return Anthropic
		case "openai":
			return OpenAI
		case "google", "models":
			id = id[i+1:]
		}
	}

	switch {
	case strings.HasPrefix(id, "claude-"):
		return Anthropic
	case strings.HasPrefix(id, "gemini-"), strings.HasPrefix(id, "gemma-"):
		return Gemini
	case strings.HasPrefix(id, "gpt-"), strings.HasPrefix(id, "chatgpt-"),
		strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"), strings.HasPrefix(id, "o4"):
		return OpenAI
	}
	return ""
}

// Resolve picks the provider for a model: explicit name first, then the
// model id, then fallback
func Resolve(explicit, modelID, fallback string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	if p := DetectProvider(modelID); p != "" {
		return p
	}
	return fallback
}

// DefaultModel is the model used when none is configured
func DefaultModel(provider string) string {
	switch provider {
	case Anthropic:
		return "claude-sonnet-4-20250514"
	case OpenAI:
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

// trimModelPrefix removes a vendor prefix such as "models/" or "anthropic/"
func trimModelPrefix(modelID string) string {
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		return modelID[i+1:]
	}
	return modelID
}
