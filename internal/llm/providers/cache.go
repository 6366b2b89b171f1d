package providers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// modelCache keeps a provider's model list on disk between runs
type modelCache struct {
	dir    string
	ttl    time.Duration
	logger *log.Logger
}

func (c modelCache) path(provider string) string {
	return filepath.Join(c.dir, provider+"_models.json")
}

// load returns the cached list when it exists and is fresh
func (c modelCache) load(provider string) ([]llm.ModelInfo, bool) {
	if c.dir == "" {
		return nil, false
	}
	file := c.path(provider)
	info, err := os.Stat(file)
	if err != nil || time.Since(info.ModTime()) >= c.ttl {
		return nil, false
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, false
	}
	var models []llm.ModelInfo
	if err := json.Unmarshal(data, &models); err != nil {
		c.logger.Debug("Ignoring unreadable model cache", "file", file, "error", err)
		return nil, false
	}
	return models, true
}

func (c modelCache) store(provider string, models []llm.ModelInfo) {
	if c.dir == "" {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Debug("Cannot create model cache directory", "dir", c.dir, "error", err)
		return
	}
	data, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path(provider), data, 0o644); err != nil {
		c.logger.Debug("Cannot write model cache", "provider", provider, "error", err)
	}
}

// cachedModels serves the list from disk or calls fetch and stores the result
func (c modelCache) cachedModels(ctx context.Context, provider string, fetch func(context.Context) ([]llm.ModelInfo, error)) ([]llm.ModelInfo, error) {
	if models, ok := c.load(provider); ok {
		return models, nil
	}
	models, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.store(provider, models)
	return models, nil
}
