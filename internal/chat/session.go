package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	history "github.com/entrepeneur4lyf/forgechat/internal/context"
	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// DefaultTokenThreshold is the context size used to report usage
const DefaultTokenThreshold = 100000

// Options configures a Session
type Options struct {
	SessionID string
	Nickname  string
	Model     string
	Provider  llm.Provider
	Registry  *tools.Registry
	// Prompter decides tool batches; nil denies every prompted call
	Prompter       tools.Prompter
	Retention      llm.Retention
	HardPruneDelay int
	TokenThreshold int
	Retry          RetryPolicy
	APIKeys        []string
	Request        llm.RequestConfig
	// ContextProviders defaults to DefaultContextProviders when nil
	ContextProviders []ContextProvider
	Clock            Clock
	Logger           *log.Logger
	QueueSize        int
}

// DefaultOptions returns options with the stock retention, retry policy
// and token threshold. Provider and Model must still be set.
func DefaultOptions() Options {
	return Options{
		Retention:      llm.DefaultRetention(),
		HardPruneDelay: llm.DefaultHardPruneDelay,
		TokenThreshold: DefaultTokenThreshold,
		Retry:          DefaultRetryPolicy(),
		QueueSize:      8,
	}
}

// Counters aggregate provider usage over the life of a session
type Counters struct {
	Exchanges         int `json:"exchanges"`
	PromptTokens      int `json:"prompt_tokens"`
	TotalTokens       int `json:"total_tokens"`
	LastPromptTokens  int `json:"last_prompt_tokens"`
	LastTotalTokens   int `json:"last_total_tokens"`
	ToolCalls         int `json:"tool_calls"`
	ToolCallsExecuted int `json:"tool_calls_executed"`
}

// Stats is a point in time view of a session
type Stats struct {
	Counters
	Messages       int
	UserTurns      int
	ApiErrors      int
	TokenThreshold int
}

// ContextUsage is the last request size as a fraction of the threshold
func (s Stats) ContextUsage() float64 {
	if s.TokenThreshold <= 0 {
		return 0
	}
	return float64(s.LastTotalTokens) / float64(s.TokenThreshold)
}

// TurnOutcome is delivered once a submitted turn ends
type TurnOutcome struct {
	Result *TurnResult
	Err    error
}

type submission struct {
	ctx      context.Context
	contents []llm.Content
	out      chan TurnOutcome
}

// Session runs the conversation loop for one history. Turns are queued and
// executed one at a time by a single worker.
type Session struct {
	id       string
	provider llm.Provider
	registry *tools.Registry
	engine   *tools.Engine
	history  *history.Manager
	status   *StatusManager
	keys     *KeyPool
	clock    Clock
	logger   *log.Logger

	mu             sync.RWMutex
	nickname       string
	summary        string
	model          string
	request        llm.RequestConfig
	policy         RetryPolicy
	tokenThreshold int
	providers      []ContextProvider
	apiErrors      []ApiErrorRecord
	counters       Counters

	queue      chan submission
	submitMu   sync.RWMutex
	closed     bool
	ctx        context.Context
	stop       context.CancelCauseFunc
	turnMu     sync.Mutex
	cancelTurn context.CancelCauseFunc
	workerDone chan struct{}
	closeOnce  sync.Once
}

// NewSession validates opts and starts the turn worker
func NewSession(opts Options) (*Session, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidOptions)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidOptions)
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithPrefix("chat")
	}
	if opts.ContextProviders == nil {
		opts.ContextProviders = DefaultContextProviders()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	keys := opts.APIKeys
	if len(keys) == 0 {
		keys = EnvKeys(opts.Provider.Name())
	}

	logger := opts.Logger.With("session", opts.SessionID)
	ctx, stop := context.WithCancelCause(context.Background())
	s := &Session{
		id:       opts.SessionID,
		provider: opts.Provider,
		registry: opts.Registry,
		engine:   tools.NewEngine(opts.Registry, opts.Prompter),
		history: history.NewManager(history.Options{
			SessionID:      opts.SessionID,
			Retention:      opts.Retention,
			HardPruneDelay: opts.HardPruneDelay,
			Logger:         logger.WithPrefix("context"),
		}),
		status:         NewStatusManager(opts.SessionID, opts.Clock),
		keys:           NewKeyPool(keys...),
		clock:          opts.Clock,
		logger:         logger,
		nickname:       opts.Nickname,
		model:          opts.Model,
		request:        opts.Request,
		policy:         opts.Retry.normalize(),
		tokenThreshold: opts.TokenThreshold,
		providers:      slices.Clone(opts.ContextProviders),
		queue:          make(chan submission, opts.QueueSize),
		ctx:            ctx,
		stop:           stop,
		workerDone:     make(chan struct{}),
	}
	go s.worker()
	s.logger.Debug("Session started", "model", s.model, "provider", s.provider.Name(), "keys", s.keys.Len())
	return s, nil
}

func (s *Session) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case sub := <-s.queue:
			res, err := s.runSubmission(sub)
			sub.out <- TurnOutcome{Result: res, Err: err}
			close(sub.out)
		}
	}
}

// drain fails submissions still queued at shutdown
func (s *Session) drain() {
	for {
		select {
		case sub := <-s.queue:
			sub.out <- TurnOutcome{Err: ErrSessionShutdown}
			close(sub.out)
		default:
			return
		}
	}
}

func (s *Session) runSubmission(sub submission) (*TurnResult, error) {
	if err := sub.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTurnCancelled, err)
	}
	ctx, cancel := context.WithCancelCause(sub.ctx)
	stopAfter := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stopAfter()
	defer cancel(nil)

	s.turnMu.Lock()
	s.cancelTurn = cancel
	s.turnMu.Unlock()
	defer func() {
		s.turnMu.Lock()
		s.cancelTurn = nil
		s.turnMu.Unlock()
	}()

	return s.runTurn(ctx, sub.contents)
}

// Submit queues a user turn and returns a channel that receives its outcome
func (s *Session) Submit(ctx context.Context, contents ...llm.Content) <-chan TurnOutcome {
	out := make(chan TurnOutcome, 1)
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closed {
		out <- TurnOutcome{Err: ErrSessionShutdown}
		close(out)
		return out
	}
	select {
	case s.queue <- submission{ctx: ctx, contents: contents, out: out}:
	case <-s.ctx.Done():
		out <- TurnOutcome{Err: ErrSessionShutdown}
		close(out)
	case <-ctx.Done():
		out <- TurnOutcome{Err: fmt.Errorf("%w: %w", ErrTurnCancelled, ctx.Err())}
		close(out)
	}
	return out
}

// Send runs one user turn with the given text and waits for it to finish
func (s *Session) Send(ctx context.Context, text string) (*TurnResult, error) {
	outcome := <-s.Submit(ctx, llm.Text{Text: text})
	return outcome.Result, outcome.Err
}

// Cancel aborts the running turn. The session returns to StatusIdle.
func (s *Session) Cancel() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.cancelTurn != nil {
		s.cancelTurn(ErrTurnCancelled)
	}
}

// Shutdown stops the worker, waits for the running turn to unwind and moves
// the session to StatusShutdown. It is safe to call more than once.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		s.stop(ErrSessionShutdown)
		s.submitMu.Lock()
		s.closed = true
		s.submitMu.Unlock()
		<-s.workerDone
		s.drain()
		s.status.Set(StatusShutdown)
		s.status.close()
		s.history.Close()
		s.logger.Debug("Session shut down")
	})
}

func (s *Session) shuttingDown() bool {
	return s.ctx.Err() != nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

func (s *Session) SetNickname(nickname string) {
	s.mu.Lock()
	s.nickname = nickname
	s.mu.Unlock()
}

func (s *Session) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

func (s *Session) SetSummary(summary string) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Model returns the model id used for new requests
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

// Provider returns the provider the session talks to
func (s *Session) Provider() llm.Provider { return s.provider }

// History returns the context manager owning the message history
func (s *Session) History() *history.Manager { return s.history }

// Registry returns the tool registry
func (s *Session) Registry() *tools.Registry { return s.registry }

// SetPrompter replaces the prompter used for subsequent tool batches
func (s *Session) SetPrompter(p tools.Prompter) { s.engine.SetPrompter(p) }

// Status returns the committed status
func (s *Session) Status() Status { return s.status.Current() }

// StatusSnapshot returns the committed status with its start time
func (s *Session) StatusSnapshot() StatusSnapshot { return s.status.Snapshot() }

// SubscribeStatus streams status transitions until ctx is done
func (s *Session) SubscribeStatus(ctx context.Context) <-chan events.Event[StatusEvent] {
	return s.status.Subscribe(ctx)
}

// SubscribeErrors streams failed provider calls until ctx is done
func (s *Session) SubscribeErrors(ctx context.Context) <-chan events.Event[ApiErrorRecord] {
	return s.status.SubscribeErrors(ctx)
}

// StatusHistory returns recent status transitions
func (s *Session) StatusHistory() []StatusEvent { return s.status.History() }

// SetEventStore persists status transitions and api errors to store
func (s *Session) SetEventStore(store events.PersistenceStore) { s.status.SetPersistence(store) }

// ApiErrors returns every failed provider call of the session
func (s *Session) ApiErrors() []ApiErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.apiErrors)
}

// Stats returns counters and sizes
func (s *Session) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Counters:       s.counters,
		ApiErrors:      len(s.apiErrors),
		TokenThreshold: s.tokenThreshold,
	}
	s.mu.RUnlock()
	st.Messages = s.history.Len()
	st.UserTurns = s.history.UserTurns()
	return st
}

func (s *Session) retryPolicy() RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetRetryPolicy applies to the next provider call
func (s *Session) SetRetryPolicy(p RetryPolicy) {
	s.mu.Lock()
	s.policy = p.normalize()
	s.mu.Unlock()
}

// SetRetention changes the retention defaults and hard prune delay
func (s *Session) SetRetention(r llm.Retention, hardPruneDelay int) {
	s.history.SetRetention(r, hardPruneDelay)
}

func (s *Session) SetTokenThreshold(n int) {
	s.mu.Lock()
	s.tokenThreshold = n
	s.mu.Unlock()
}

// SetRequestConfig replaces the generation settings of future requests
func (s *Session) SetRequestConfig(cfg llm.RequestConfig) {
	s.mu.Lock()
	s.request = cfg
	s.mu.Unlock()
}

// SetAPIKeys replaces the key pool
func (s *Session) SetAPIKeys(keys ...string) {
	s.keys.Reset(keys...)
}

// ContextProviders returns the registered context providers
func (s *Session) ContextProviders() []ContextProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.providers)
}

// AddContextProvider registers another provider for subsequent requests
func (s *Session) AddContextProvider(p ContextProvider) {
	s.mu.Lock()
	s.providers = append(s.providers, p)
	s.mu.Unlock()
}

// SetContextProvidersEnabled toggles the named providers. Unknown ids are
// reported and leave every provider unchanged.
func (s *Session) SetContextProvidersEnabled(enabled bool, ids ...string) error {
	s.mu.RLock()
	byID := make(map[string]ContextProvider, len(s.providers))
	for _, p := range s.providers {
		byID[p.ID()] = p
	}
	s.mu.RUnlock()

	var unknown []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown context provider(s): %v", unknown)
	}
	for _, id := range ids {
		byID[id].SetEnabled(enabled)
	}
	return nil
}

// State is the persistent part of a session
type State struct {
	SessionID  string
	Nickname   string
	Summary    string
	Model      string
	Messages   []*llm.Message
	UserTurns  int
	Tombstones []history.Tombstone
	ApiErrors  []ApiErrorRecord
	Counters   Counters
}

// State captures the session for a snapshot. Take it while the session is
// idle; messages are shared, not copied.
func (s *Session) State() State {
	s.mu.RLock()
	st := State{
		SessionID: s.id,
		Nickname:  s.nickname,
		Summary:   s.summary,
		Model:     s.model,
		ApiErrors: slices.Clone(s.apiErrors),
		Counters:  s.counters,
	}
	s.mu.RUnlock()
	st.Messages = s.history.Messages()
	st.UserTurns = s.history.UserTurns()
	st.Tombstones = s.history.AllTombstones()
	return st
}

// Restore loads a saved state into an idle session
func (s *Session) Restore(st State) error {
	if cur := s.Status(); cur != StatusIdle && cur != StatusMaxRetriesReached {
		return fmt.Errorf("cannot restore while %s", cur)
	}
	if st.SessionID != "" && st.SessionID != s.id {
		return fmt.Errorf("state belongs to session %s, not %s", st.SessionID, s.id)
	}
	if err := s.history.Restore(st.Messages, st.UserTurns, st.Tombstones); err != nil {
		return fmt.Errorf("restore history: %w", err)
	}
	s.mu.Lock()
	s.nickname = st.Nickname
	s.summary = st.Summary
	if st.Model != "" {
		s.model = st.Model
	}
	s.apiErrors = slices.Clone(st.ApiErrors)
	s.counters = st.Counters
	s.mu.Unlock()
	return nil
}

// IsTerminal reports whether err ended the turn in a state the caller must
// surface as a failure rather than a cancellation.
func IsTerminal(err error) bool {
	return err != nil && !errors.Is(err, ErrTurnCancelled)
}
