package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/providers/testutil"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

const testModel = "mock-model-1"

func newTestSession(t *testing.T, p llm.Provider, configure ...func(*Options)) (*Session, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts := DefaultOptions()
	opts.SessionID = "session-1"
	opts.Model = testModel
	opts.Provider = p
	opts.Clock = clk
	opts.APIKeys = []string{"test-key-0001"}
	opts.Retry = RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	opts.ContextProviders = []ContextProvider{}
	for _, fn := range configure {
		fn(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, clk
}

func transitions(s *Session) []Status {
	var out []Status
	for _, ev := range s.StatusHistory() {
		out = append(out, ev.New)
	}
	return out
}

func roles(msgs []*llm.Message) []llm.Role {
	out := make([]llm.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func calcToolkit(adds *atomic.Int32) tools.ToolkitSpec {
	return tools.ToolkitSpec{
		Name:        "calc",
		Description: "Arithmetic",
		Tools: []tools.ToolSpec{{
			Name:        "add",
			Description: "Adds two integers",
			Parameters: []tools.Parameter{
				tools.Param[int]("a", "first operand"),
				tools.Param[int]("b", "second operand"),
			},
			Returns: tools.Returns[int](),
			Execute: func(_ context.Context, args tools.Args) (any, error) {
				adds.Add(1)
				return tools.Arg[int](args, "a") + tools.Arg[int](args, "b"), nil
			},
		}},
	}
}

type countingPrompter struct {
	mu      sync.Mutex
	outcome tools.Outcome
	comment string
	batches [][]string
}

func (p *countingPrompter) Prompt(_ context.Context, batch *tools.Batch) (tools.PromptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(batch.Calls))
	res := tools.PromptResult{Outcomes: map[string]tools.Outcome{}, Comment: p.comment}
	for i, c := range batch.Calls {
		names[i] = c.Name()
		res.Outcomes[c.ID] = p.outcome
	}
	p.batches = append(p.batches, names)
	return res, nil
}

func (p *countingPrompter) prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(Options{Model: "m"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewSession(Options{Provider: testutil.NewScriptedProvider()})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestSession_HappyPath(t *testing.T) {
	p := testutil.NewScriptedProvider(testutil.Step{Response: testutil.TextResponse("pong", 5, 12)})
	s, _ := newTestSession(t, p)

	res, err := s.Send(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text())

	msgs := s.History().Messages()
	require.Equal(t, []llm.Role{llm.RoleUser, llm.RoleModel}, roles(msgs))
	assert.Equal(t, "ping", msgs[0].AsText())
	assert.Equal(t, 7, msgs[1].TokenCount)
	assert.Equal(t, llm.FinishStop, msgs[1].FinishReason)
	assert.Equal(t, testModel, msgs[1].ModelID)

	assert.Equal(t, []Status{StatusApiCallInProgress, StatusIdle}, transitions(s))
	assert.Empty(t, s.ApiErrors())

	stats := s.Stats()
	assert.Equal(t, 1, stats.Exchanges)
	assert.Equal(t, 12, stats.LastTotalTokens)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 1, stats.UserTurns)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, testModel, reqs[0].Model)
	assert.Equal(t, "test-key-0001", reqs[0].APIKey)
	require.Len(t, reqs[0].History, 1)
	assert.Equal(t, llm.RoleUser, reqs[0].History[0].Role)
}

func TestSession_RetryThenSuccess(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.Step{Err: testutil.RetryableError(503)},
		testutil.Step{Err: testutil.RetryableError(503)},
		testutil.Step{Response: testutil.TextResponse("done", 3, 6)},
	)
	s, clk := newTestSession(t, p)

	res, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text())
	assert.Equal(t, StatusIdle, s.Status())

	recs := s.ApiErrors()
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Attempt)
	assert.Equal(t, 100*time.Millisecond, recs[0].Backoff)
	assert.Equal(t, 1, recs[1].Attempt)
	assert.Equal(t, 200*time.Millisecond, recs[1].Backoff)
	for _, rec := range recs {
		assert.Equal(t, testModel, rec.ModelID)
		assert.Equal(t, "****0001", rec.RedactedKey)
		assert.Equal(t, 503, rec.StatusCode)
		assert.True(t, rec.Retryable)
		assert.Contains(t, rec.Error, "simulated failure")
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clk.Delays())
	assert.Equal(t, []Status{
		StatusApiCallInProgress, StatusWaitingWithBackoff,
		StatusApiCallInProgress, StatusWaitingWithBackoff,
		StatusApiCallInProgress, StatusIdle,
	}, transitions(s))

	for _, ev := range s.StatusHistory() {
		if ev.New == StatusWaitingWithBackoff {
			require.NotNil(t, ev.Error)
		}
	}
}

func TestSession_RetryLimits(t *testing.T) {
	t.Run("zero retries makes the first failure terminal", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Err: testutil.RetryableError(429)})
		s, clk := newTestSession(t, p, func(o *Options) { o.Retry.MaxRetries = 0 })

		_, err := s.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrMaxRetriesReached)
		assert.True(t, IsTerminal(err))
		assert.Equal(t, 1, p.Calls())
		assert.Empty(t, clk.Delays())
		assert.Equal(t, StatusMaxRetriesReached, s.Status())

		recs := s.ApiErrors()
		require.Len(t, recs, 1)
		assert.Equal(t, time.Duration(0), recs[0].Backoff)
		assert.Equal(t, []llm.Role{llm.RoleUser}, roles(s.History().Messages()))
	})

	t.Run("non-retryable errors are not retried", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Err: testutil.RetryableError(400)})
		s, clk := newTestSession(t, p)

		_, err := s.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrMaxRetriesReached)
		assert.Equal(t, 1, p.Calls())
		assert.Empty(t, clk.Delays())
		require.Len(t, s.ApiErrors(), 1)
		assert.False(t, s.ApiErrors()[0].Retryable)
	})

	t.Run("exhaustion records every attempt", func(t *testing.T) {
		p := testutil.NewScriptedProvider(
			testutil.Step{Err: testutil.RetryableError(500)},
			testutil.Step{Err: testutil.RetryableError(500)},
			testutil.Step{Err: testutil.RetryableError(500)},
		)
		s, clk := newTestSession(t, p, func(o *Options) { o.Retry.MaxRetries = 2 })

		_, err := s.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrMaxRetriesReached)
		assert.Equal(t, 3, p.Calls())
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clk.Delays())

		recs := s.ApiErrors()
		require.Len(t, recs, 3)
		assert.Equal(t, []int{0, 1, 2}, []int{recs[0].Attempt, recs[1].Attempt, recs[2].Attempt})
		assert.Equal(t, StatusMaxRetriesReached, s.Status())
	})

	t.Run("delays are capped", func(t *testing.T) {
		p := testutil.NewScriptedProvider()
		p.GenerateFunc = func(context.Context, *llm.Request) (*llm.Response, error) {
			return nil, testutil.RetryableError(503)
		}
		s, clk := newTestSession(t, p, func(o *Options) {
			o.Retry = RetryPolicy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
		})

		_, err := s.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrMaxRetriesReached)
		assert.Equal(t, []time.Duration{
			100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond,
			300 * time.Millisecond, 300 * time.Millisecond,
		}, clk.Delays())
	})

	t.Run("policy changes apply to the next turn", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Err: testutil.RetryableError(503)})
		s, _ := newTestSession(t, p)
		s.SetRetryPolicy(RetryPolicy{MaxRetries: 0, InitialDelay: time.Second, MaxDelay: time.Second})

		_, err := s.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrMaxRetriesReached)
		assert.Equal(t, 1, p.Calls())
	})
}

func TestRetryPolicy_DelayBounds(t *testing.T) {
	policies := []RetryPolicy{
		{MaxRetries: 0, InitialDelay: time.Second, MaxDelay: 30 * time.Second},
		{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second},
		{MaxRetries: 10, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
		{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Second},
		{MaxRetries: 64, InitialDelay: time.Millisecond, MaxDelay: time.Minute},
	}
	errs := []error{
		testutil.RetryableError(503),
		&llm.RetryableError{Err: errors.New("slow down"), StatusCode: 429, Retryable: true, RetryAfter: 45 * time.Second},
	}

	for _, p := range policies {
		for _, err := range errs {
			var sum time.Duration
			for i := 0; i < p.MaxRetries; i++ {
				d := p.Delay(i, err)
				sum += d

				floor := p.MaxDelay
				if i < 62 {
					if exp := p.InitialDelay << i; exp > 0 && exp < floor {
						floor = exp
					}
				}
				assert.GreaterOrEqual(t, d, floor, "policy %+v attempt %d", p, i)
				assert.LessOrEqual(t, d, p.MaxDelay)
			}
			assert.LessOrEqual(t, sum, time.Duration(p.MaxRetries)*p.MaxDelay)
		}
	}
}

func TestSession_KeyRotation(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.Step{Err: testutil.RetryableError(429)},
		testutil.Step{Response: testutil.TextResponse("ok", 1, 2)},
	)
	s, _ := newTestSession(t, p, func(o *Options) {
		o.APIKeys = []string{"key-aaaa1111", "key-bbbb2222"}
	})

	_, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "key-aaaa1111", reqs[0].APIKey)
	assert.Equal(t, "key-bbbb2222", reqs[1].APIKey)
	require.Len(t, s.ApiErrors(), 1)
	assert.Equal(t, "****1111", s.ApiErrors()[0].RedactedKey)
}

func TestSession_ToolApprovedAlways(t *testing.T) {
	var adds atomic.Int32
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(calcToolkit(&adds)))
	prompter := &countingPrompter{outcome: tools.OutcomeAlways}

	p := testutil.NewScriptedProvider(
		testutil.Step{Response: testutil.ToolCallResponse(testutil.Call("c1", "calc.add", map[string]any{"a": 2.0, "b": 3.0}))},
		testutil.Step{Response: testutil.TextResponse("2 + 3 = 5", 20, 30)},
		testutil.Step{Response: testutil.ToolCallResponse(testutil.Call("c2", "calc.add", map[string]any{"a": 1.0, "b": 1.0}))},
		testutil.Step{Response: testutil.TextResponse("1 + 1 = 2", 40, 50)},
	)
	s, _ := newTestSession(t, p, func(o *Options) {
		o.Registry = reg
		o.Prompter = prompter
	})

	res, err := s.Send(context.Background(), "what is 2+3?")
	require.NoError(t, err)
	assert.Equal(t, "2 + 3 = 5", res.Text())
	require.Len(t, res.Batches, 1)
	resp := res.Batches[0].Responses()[0]
	assert.Equal(t, tools.StatusExecuted, resp.Status)
	assert.Equal(t, 5, resp.Result)

	tool, ok := reg.Get("calc.add")
	require.True(t, ok)
	assert.Equal(t, tools.PermissionApproveAlways, tool.Permission())
	assert.Equal(t, 1, prompter.prompts())

	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleModel, llm.RoleTool, llm.RoleModel}, roles(s.History().Messages()))

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].History[len(reqs[1].History)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	require.Len(t, last.Contents, 1)
	fr, ok := last.Contents[0].(llm.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "c1", fr.ID)
	assert.Equal(t, "EXECUTED", fr.Response["status"])
	assert.Equal(t, 5, fr.Response["output"])

	assert.Contains(t, transitions(s), StatusToolPrompt)
	var executed []string
	for _, ev := range s.StatusHistory() {
		if ev.New == StatusToolExecutionInProgress {
			executed = append(executed, ev.Tool)
		}
	}
	assert.Equal(t, []string{"calc.add"}, executed)

	_, err = s.Send(context.Background(), "and 1+1?")
	require.NoError(t, err)
	assert.Equal(t, 1, prompter.prompts(), "ApproveAlways must not prompt again")
	assert.Equal(t, int32(2), adds.Load())

	stats := s.Stats()
	assert.Equal(t, 2, stats.ToolCalls)
	assert.Equal(t, 2, stats.ToolCallsExecuted)
}

func TestSession_DeniedBatchEndsTurn(t *testing.T) {
	var adds atomic.Int32
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(calcToolkit(&adds)))

	p := testutil.NewScriptedProvider(
		testutil.Step{Response: testutil.ToolCallResponse(testutil.Call("c1", "calc.add", map[string]any{"a": 2.0, "b": 3.0}))},
	)
	s, _ := newTestSession(t, p, func(o *Options) {
		o.Registry = reg
		o.Prompter = &countingPrompter{outcome: tools.OutcomeNo}
	})

	res, err := s.Send(context.Background(), "add please")
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Zero(t, res.Batches[0].Approved())
	assert.Equal(t, tools.StatusNotExecuted, res.Batches[0].Responses()[0].Status)

	assert.Equal(t, 1, p.Calls())
	assert.Zero(t, adds.Load())
	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleModel}, roles(s.History().Messages()))
	assert.Equal(t, StatusIdle, s.Status())

	// the unanswered call stays out of later requests
	p.Push(testutil.Step{Response: testutil.TextResponse("ok", 1, 2)})
	_, err = s.Send(context.Background(), "never mind")
	require.NoError(t, err)
	for _, m := range p.Requests()[1].History {
		for _, c := range m.Contents {
			_, isCall := c.(llm.FunctionCall)
			assert.False(t, isCall)
		}
	}
}

func TestSession_UnknownToolSkipsPrompt(t *testing.T) {
	prompter := &countingPrompter{outcome: tools.OutcomeYes}
	p := testutil.NewScriptedProvider(
		testutil.Step{Response: testutil.ToolCallResponse(testutil.Call("", "nope.missing", nil))},
	)
	s, _ := newTestSession(t, p, func(o *Options) { o.Prompter = prompter })

	res, err := s.Send(context.Background(), "do something")
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	call := res.Batches[0].Calls[0]
	assert.True(t, call.IsBad())
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, tools.StatusNotExecuted, call.Response().Status)
	assert.Zero(t, prompter.prompts())
}

func TestSession_CommentIsAppended(t *testing.T) {
	var adds atomic.Int32
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(calcToolkit(&adds)))

	p := testutil.NewScriptedProvider(
		testutil.Step{Response: testutil.ToolCallResponse(testutil.Call("c1", "calc.add", map[string]any{"a": 1.0, "b": 2.0}))},
		testutil.Step{Response: testutil.TextResponse("3", 1, 2)},
	)
	s, _ := newTestSession(t, p, func(o *Options) {
		o.Registry = reg
		o.Prompter = &countingPrompter{outcome: tools.OutcomeYes, comment: "use integers only"}
	})

	_, err := s.Send(context.Background(), "1+2")
	require.NoError(t, err)

	msgs := s.History().Messages()
	require.Len(t, msgs, 4)
	parts := msgs[2].Parts()
	require.Len(t, parts, 2)
	assert.Equal(t, llm.KindToolResponse, parts[0].Kind())
	assert.Equal(t, llm.Text{Text: "use integers only"}, parts[1].Content)
}

func TestSession_Cancel(t *testing.T) {
	t.Run("during provider call", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Block: true})
		s, _ := newTestSession(t, p)

		out := s.Submit(context.Background(), llm.Text{Text: "slow"})
		<-p.Started()
		s.Cancel()

		outcome := <-out
		require.ErrorIs(t, outcome.Err, ErrTurnCancelled)
		assert.ErrorIs(t, outcome.Err, context.Canceled)
		assert.False(t, IsTerminal(outcome.Err))
		assert.Equal(t, StatusIdle, s.Status())
		assert.Empty(t, s.ApiErrors())
	})

	t.Run("during backoff", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Err: testutil.RetryableError(503)})
		s, clk := newTestSession(t, p)
		clk.hold = true

		out := s.Submit(context.Background(), llm.Text{Text: "hi"})
		require.Eventually(t, func() bool {
			return s.Status() == StatusWaitingWithBackoff
		}, time.Second, time.Millisecond)
		s.Cancel()

		outcome := <-out
		require.ErrorIs(t, outcome.Err, ErrTurnCancelled)
		assert.Equal(t, StatusIdle, s.Status())
		assert.Equal(t, 1, p.Calls())
	})

	t.Run("caller context", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Block: true})
		s, _ := newTestSession(t, p)

		ctx, cancel := context.WithCancel(context.Background())
		out := s.Submit(ctx, llm.Text{Text: "slow"})
		<-p.Started()
		cancel()

		outcome := <-out
		require.ErrorIs(t, outcome.Err, ErrTurnCancelled)
		assert.Equal(t, StatusIdle, s.Status())
	})
}

func TestSession_TurnsAreSequential(t *testing.T) {
	var active, maxActive atomic.Int32
	p := testutil.NewScriptedProvider()
	p.GenerateFunc = func(context.Context, *llm.Request) (*llm.Response, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return testutil.TextResponse("ok", 1, 2), nil
	}
	s, _ := newTestSession(t, p)

	outs := make([]<-chan TurnOutcome, 4)
	for i := range outs {
		outs[i] = s.Submit(context.Background(), llm.Text{Text: "turn"})
	}
	for _, out := range outs {
		require.NoError(t, (<-out).Err)
	}

	assert.Equal(t, int32(1), maxActive.Load())
	msgs := s.History().Messages()
	require.Len(t, msgs, 8)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Sequence, msgs[i-1].Sequence)
	}
	assert.Equal(t, 4, s.History().UserTurns())
}

func TestSession_Shutdown(t *testing.T) {
	t.Run("aborts the running turn", func(t *testing.T) {
		p := testutil.NewScriptedProvider(testutil.Step{Block: true})
		s, _ := newTestSession(t, p)

		out := s.Submit(context.Background(), llm.Text{Text: "slow"})
		<-p.Started()
		s.Shutdown()

		outcome := <-out
		assert.ErrorIs(t, outcome.Err, ErrSessionShutdown)
		assert.Equal(t, StatusShutdown, s.Status())
	})

	t.Run("rejects new turns", func(t *testing.T) {
		s, _ := newTestSession(t, testutil.NewScriptedProvider())
		s.Shutdown()
		s.Shutdown()

		_, err := s.Send(context.Background(), "hello?")
		assert.ErrorIs(t, err, ErrSessionShutdown)
		assert.Equal(t, StatusShutdown, s.Status())
	})
}

func TestSession_ContextProviders(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.Step{Response: testutil.TextResponse("hi", 10, 20)},
		testutil.Step{Response: testutil.TextResponse("again", 10, 20)},
	)
	s, _ := newTestSession(t, p, func(o *Options) {
		o.ContextProviders = DefaultContextProviders()
		o.Nickname = "scratch"
		o.TokenThreshold = 1000
		o.Request.SystemInstructions = []string{"Be brief."}
	})
	s.SetSummary("testing providers")

	_, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)

	req := p.Requests()[0]
	assert.Equal(t, []string{"Be brief.", "Current Chat Status: Idle (Waiting for user input.)"}, req.Config.SystemInstructions)

	last := req.History[len(req.History)-1]
	require.Equal(t, llm.RoleRag, last.Role)
	rag, ok := last.Contents[0].(llm.Rag)
	require.True(t, ok)
	assert.Equal(t, "core-session-metadata", rag.Source)
	assert.True(t, strings.HasPrefix(rag.Text, "## Current Session Metadata\n"))
	assert.Contains(t, rag.Text, "- **Session ID**: session-1\n")
	assert.Contains(t, rag.Text, "- **Nickname**: scratch\n")
	assert.Contains(t, rag.Text, "- **Summary**: testing providers\n")
	assert.Contains(t, rag.Text, "- **Total Messages**: 1\n")
	assert.Contains(t, rag.Text, "- **Context Usage**: 0.0% (0 / 1000 tokens)\n")

	// retrieval text is request scoped
	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleModel}, roles(s.History().Messages()))

	require.NoError(t, s.SetContextProvidersEnabled(false, "core-session-metadata"))
	assert.Error(t, s.SetContextProvidersEnabled(false, "missing"))

	_, err = s.Send(context.Background(), "again")
	require.NoError(t, err)
	for _, m := range p.Requests()[1].History {
		assert.NotEqual(t, llm.RoleRag, m.Role)
	}
}

func TestSession_StateRestore(t *testing.T) {
	p := testutil.NewScriptedProvider(
		testutil.Step{Err: testutil.RetryableError(503)},
		testutil.Step{Response: testutil.TextResponse("pong", 5, 12)},
	)
	s, _ := newTestSession(t, p, func(o *Options) { o.Nickname = "first" })
	_, err := s.Send(context.Background(), "ping")
	require.NoError(t, err)
	s.SetSummary("a ping")

	st := s.State()
	assert.Equal(t, "session-1", st.SessionID)
	assert.Equal(t, 1, st.UserTurns)
	require.Len(t, st.Messages, 2)

	restored, _ := newTestSession(t, testutil.NewScriptedProvider())
	require.NoError(t, restored.Restore(st))
	assert.Equal(t, "first", restored.Nickname())
	assert.Equal(t, "a ping", restored.Summary())
	assert.Equal(t, s.ApiErrors(), restored.ApiErrors())
	assert.Equal(t, s.Stats().Counters, restored.Stats().Counters)
	assert.Equal(t, 2, restored.History().Len())

	other, _ := newTestSession(t, testutil.NewScriptedProvider(), func(o *Options) { o.SessionID = "other" })
	assert.Error(t, other.Restore(st))
}

func TestKeyPool(t *testing.T) {
	pool := NewKeyPool("", " a ", "b")
	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, "a", pool.Current())
	assert.Equal(t, "b", pool.Rotate())
	assert.Equal(t, "a", pool.Rotate())

	pool.Reset("c")
	assert.Equal(t, "c", pool.Current())
	assert.Equal(t, "c", pool.Rotate())

	empty := NewKeyPool()
	assert.Equal(t, "", empty.Current())
	assert.Equal(t, "", empty.Rotate())
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "", RedactKey(""))
	assert.Equal(t, "****", RedactKey("abcd"))
	assert.Equal(t, "****6789", RedactKey("sk-123456789"))
}

func TestEnvKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "one")
	t.Setenv("GEMINI_API_KEYS", "two, three,,")
	assert.Equal(t, []string{"one", "two", "three"}, EnvKeys("gemini"))
	assert.Nil(t, EnvKeys("unknown"))
}
