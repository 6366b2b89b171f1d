package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/config"
	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/providers"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/forgechat/internal/storage"
	"github.com/entrepeneur4lyf/forgechat/internal/toolkits"
)

// newProvider builds provider adapters; tests replace it with a scripted one
var newProvider = providers.New

// app holds what every command needs: configuration, data paths and the
// persisted user state
type app struct {
	loader *config.Loader
	cfg    *config.Config
	paths  *storage.PathManager
	state  *config.StateStore
	logger *log.Logger
}

func loadApp() (*app, error) {
	loader := config.NewLoader(workingDir)
	cfg, err := loader.Load(debug)
	if err != nil {
		return nil, err
	}

	paths := storage.NewPathManagerAt(cfg.DataDir)
	if err := paths.ValidatePaths(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logsDir, err := paths.LogsDir()
	if err != nil {
		return nil, err
	}
	if err := setupLogging(logsDir, cfg.LogLevel, debug || cfg.Debug); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	state, err := config.OpenStateStore(cfg.DataPath(config.StateFileName))
	if err != nil {
		return nil, err
	}
	a := &app{
		loader: loader,
		cfg:    cfg,
		paths:  paths,
		state:  state,
		logger: log.WithPrefix("forgechat"),
	}
	a.logger.Debug("Loaded configuration", append(paths.PlatformInfo(), "config", loader.ConfigFile())...)
	return a, nil
}

// selection is the provider and model a session runs on
type selection struct {
	Provider string
	Model    string
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolve picks the provider and model. Flags win, then the resumed
// snapshot, then the config file, then the last choice in state.toml.
func (a *app) resolve(snapshotProvider, snapshotModel string) selection {
	stateProvider, stateModel := a.state.Model()
	modelID := firstNonEmpty(model, snapshotModel, a.cfg.Model, stateModel)

	explicit := provider
	if explicit == "" && modelID == "" {
		explicit = firstNonEmpty(snapshotProvider, a.cfg.Provider, stateProvider)
	}
	name := providers.Resolve(explicit, modelID, firstNonEmpty(snapshotProvider, a.cfg.DefaultProvider()))
	if modelID == "" {
		modelID = providers.DefaultModel(name)
	}
	return selection{Provider: name, Model: modelID}
}

func (a *app) apiKeys(providerName string) []string {
	if len(a.cfg.APIKeys) > 0 {
		return a.cfg.APIKeys
	}
	return chat.EnvKeys(providerName)
}

func (a *app) provider(name string) (llm.Provider, error) {
	if len(a.cfg.ProviderClasses) > 0 && !slices.Contains(a.cfg.ProviderClasses, name) {
		return nil, fmt.Errorf("%w: %q is not in providerClasses", providers.ErrUnknownProvider, name)
	}
	opts := providers.DefaultOptions()
	if keys := a.apiKeys(name); len(keys) > 0 {
		opts.APIKey = keys[0]
	}
	if dir, err := a.paths.CacheDir(); err == nil {
		opts.CacheDir = dir
	}
	if a.cfg.MaxOutputTokens > 0 {
		opts.DefaultMaxTokens = int64(a.cfg.MaxOutputTokens)
	}
	return newProvider(name, opts)
}

// registry registers the toolkits listed in toolClasses, minus skip
func (a *app) registry(binding *toolkits.SessionBinding, skip ...string) (*tools.Registry, error) {
	reg := tools.NewRegistry(tools.WithPreferences(a.state), tools.WithLogger(log.WithPrefix("tools")))
	var specs []tools.ToolkitSpec
	for _, spec := range toolkits.Defaults(a.cfg.WorkingDir, binding) {
		if a.cfg.HasToolkit(spec.Name) && !slices.Contains(skip, spec.Name) {
			specs = append(specs, spec)
		}
	}
	if err := reg.Register(specs...); err != nil {
		return nil, fmt.Errorf("failed to register toolkits: %w", err)
	}
	return reg, nil
}

func (a *app) openIndex() *storage.Index {
	path, err := a.paths.IndexDatabasePath()
	if err != nil {
		a.logger.Warn("Session index unavailable", "error", err)
		return nil
	}
	index, err := storage.OpenIndex(path)
	if err != nil {
		a.logger.Warn("Session index unavailable", "error", err)
		return nil
	}
	return index
}

// findSnapshot loads a snapshot by file path, by session id from the index,
// or the most recent one for "last"
func (a *app) findSnapshot(ctx context.Context, index *storage.Index, ref string) (*storage.Document, string, error) {
	if _, err := os.Stat(ref); err == nil {
		doc, err := storage.Load(ref)
		return doc, ref, err
	}
	if index == nil {
		return nil, "", fmt.Errorf("no snapshot file %s and the session index is unavailable", ref)
	}

	var entry *storage.IndexEntry
	if ref == "last" {
		list, err := index.List(ctx, 1, 0)
		if err != nil {
			return nil, "", err
		}
		if len(list) == 0 {
			return nil, "", errors.New("no saved sessions")
		}
		entry = &list[0]
	} else {
		var err error
		if entry, err = index.Get(ctx, ref); err != nil {
			return nil, "", fmt.Errorf("resume %s: %w", ref, err)
		}
	}
	doc, err := storage.Load(entry.Path)
	return doc, entry.Path, err
}

// runOptions configure a chat run
type runOptions struct {
	resume         string
	save           string
	noSave         bool
	snapshotFormat string
	compress       bool
	prompter       tools.Prompter
}

// chatRun is an open session with its persistence around it
type chatRun struct {
	app     *app
	session *chat.Session
	sel     selection
	index   *storage.Index
	events  *events.SQLStore
	// path is where snapshots are written; empty disables saving
	path string
}

func (a *app) openRun(ctx context.Context, ro runOptions) (_ *chatRun, err error) {
	run := &chatRun{app: a, index: a.openIndex()}
	defer func() {
		if err != nil {
			run.close()
		}
	}()

	var doc *storage.Document
	var docPath string
	if ro.resume != "" {
		if doc, docPath, err = a.findSnapshot(ctx, run.index, ro.resume); err != nil {
			return nil, err
		}
	}

	var snapProvider, snapModel string
	if doc != nil {
		snapProvider, snapModel = doc.Settings.Provider, doc.Settings.Model
	}
	run.sel = a.resolve(snapProvider, snapModel)
	p, err := a.provider(run.sel.Provider)
	if err != nil {
		return nil, err
	}

	binding := &toolkits.SessionBinding{}
	reg, err := a.registry(binding)
	if err != nil {
		return nil, err
	}

	opts := chat.DefaultOptions()
	opts.SessionID = a.cfg.SessionID
	if doc != nil {
		opts.SessionID = doc.SessionID
	}
	opts.Model = run.sel.Model
	opts.Provider = p
	opts.Registry = reg
	opts.Prompter = ro.prompter
	opts.Retention = a.cfg.Retention()
	opts.HardPruneDelay = a.cfg.HardPruneDelay
	opts.TokenThreshold = a.cfg.TokenThreshold
	opts.Retry = a.cfg.RetryPolicy()
	opts.APIKeys = a.cfg.APIKeys
	opts.Request = a.cfg.RequestConfig()
	opts.Logger = log.WithPrefix("chat")

	if run.session, err = chat.NewSession(opts); err != nil {
		return nil, err
	}
	binding.Bind(run.session)

	if doc != nil {
		st, err := doc.State(reg)
		if err != nil {
			return nil, err
		}
		if err := run.session.Restore(st); err != nil {
			return nil, err
		}
		run.session.SetModel(run.sel.Model)
		a.logger.Info("Session resumed", "id", doc.SessionID, "messages", len(doc.Messages), "path", docPath)
	}

	if path, err := a.paths.EventsDatabasePath(); err == nil {
		if store, err := events.OpenSQLStore(path); err == nil {
			run.session.SetEventStore(store)
			run.events = store
		} else {
			a.logger.Warn("Event log unavailable", "error", err)
		}
	}

	switch {
	case ro.noSave:
	case ro.save != "":
		run.path = ro.save
	case docPath != "":
		run.path = docPath
	default:
		f := storage.FormatJSON
		if ro.snapshotFormat == storage.FormatCBOR.String() {
			f = storage.FormatCBOR
		}
		if run.path, err = a.paths.SnapshotPath(run.session.ID(), f, ro.compress); err != nil {
			return nil, err
		}
	}

	if err := a.state.UpdateModel(run.sel.Provider, run.sel.Model); err != nil {
		a.logger.Warn("Failed to record model choice", "error", err)
	}
	return run, nil
}

func (r *chatRun) settings() storage.Settings {
	cfg := r.app.loader.Current()
	return storage.Settings{
		Provider:       r.sel.Provider,
		Model:          r.session.Model(),
		Retention:      cfg.Retention(),
		HardPruneDelay: cfg.HardPruneDelay,
		TokenThreshold: cfg.TokenThreshold,
		Retry:          cfg.RetryPolicy(),
	}
}

// save writes the snapshot and updates the session index
func (r *chatRun) save(ctx context.Context) error {
	return r.saveTo(ctx, r.path)
}

func (r *chatRun) saveTo(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	doc, err := storage.CaptureSession(r.session, r.settings())
	if err != nil {
		return err
	}
	if r.index != nil {
		err = r.index.Record(ctx, doc, path)
	} else {
		err = storage.Save(path, doc)
	}
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	r.app.logger.Debug("Session saved", "path", path, "messages", len(doc.Messages))
	return nil
}

// applyConfig pushes a reloaded configuration into the running session
func (r *chatRun) applyConfig(_, updated *config.Config) {
	r.session.SetRetryPolicy(updated.RetryPolicy())
	r.session.SetRetention(updated.Retention(), updated.HardPruneDelay)
	r.session.SetTokenThreshold(updated.TokenThreshold)
	r.session.SetRequestConfig(updated.RequestConfig())
	if len(updated.APIKeys) > 0 {
		r.session.SetAPIKeys(updated.APIKeys...)
	}
}

func (r *chatRun) close() {
	if r.session != nil {
		r.session.Shutdown()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.index != nil {
		r.index.Close()
	}
}
