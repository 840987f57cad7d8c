package coach_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydroac/aicoach/internal/coach"
	"github.com/hydroac/aicoach/internal/provider"
	"github.com/hydroac/aicoach/internal/session"
	"github.com/hydroac/aicoach/internal/store"
)

type completerFunc func(ctx context.Context, creds provider.Credentials, messages []provider.ChatMessage) (string, error)

func (f completerFunc) Complete(ctx context.Context, creds provider.Credentials, messages []provider.ChatMessage) (string, error) {
	return f(ctx, creds, messages)
}

func replyWith(content string) coach.Completer {
	return completerFunc(func(context.Context, provider.Credentials, []provider.ChatMessage) (string, error) {
		return content, nil
	})
}

type turnFixture struct {
	store    *store.BoltStore
	accessor *coach.Accessor
	locks    *session.Manager
	conv     *store.Conversation
}

func newTurnFixture(t *testing.T, budget int) *turnFixture {
	t.Helper()
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSettings(ctx, "d", store.Settings{UseAI: true, Count: budget}))
	require.NoError(t, s.SaveSettings(ctx, store.SystemDomain, store.Settings{UseAI: true, Count: 10, Key: "sk", URL: "http://provider.invalid", Model: "gpt-test"}))
	require.NoError(t, s.SaveProblem(ctx, store.Problem{DomainID: "d", PID: "P1", Content: `{"zh":"两数之和","en":"Two sum"}`}))

	locks := session.NewManager()
	a := coach.NewAccessor(s, s, zerolog.Nop(), coach.WithLocks(locks))
	l := a.FetchOrRepair(ctx, 7, "P1", "d")
	require.NotNil(t, l.Conversation)
	return &turnFixture{store: s, accessor: a, locks: locks, conv: l.Conversation}
}

func (f *turnFixture) orchestrator(c coach.Completer, mode coach.DiscardMode) *coach.Orchestrator {
	return f.orchestratorWithLocks(c, mode, f.locks)
}

func (f *turnFixture) orchestratorWithLocks(c coach.Completer, mode coach.DiscardMode, locks *session.Manager) *coach.Orchestrator {
	return coach.NewOrchestrator(f.accessor, f.store, f.store, c, locks, zerolog.Nop(),
		coach.OrchestratorConfig{DiscardMode: mode, DescriptionLocale: "zh"})
}

func (f *turnFixture) request(msg string) coach.TurnRequest {
	return coach.TurnRequest{ConversationID: f.conv.ID, UID: 7, DomainID: "d", Message: msg, Code: "int main(){}", CodeLang: "cc"}
}

func (f *turnFixture) reload(t *testing.T) *store.Conversation {
	t.Helper()
	c, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	return c
}

func TestOrchestrator_CommitsReply(t *testing.T) {
	f := newTurnFixture(t, 10)

	var gotCreds provider.Credentials
	var gotPrompt []provider.ChatMessage
	o := f.orchestrator(completerFunc(func(_ context.Context, creds provider.Credentials, msgs []provider.ChatMessage) (string, error) {
		gotCreds, gotPrompt = creds, msgs
		return "Check integer overflow.", nil
	}), coach.DiscardTrim)

	res := o.HandleTurn(context.Background(), f.request("  why WA?  \n"))
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Content)
	assert.Equal(t, store.RoleAssistant, res.Content.Role)
	assert.Equal(t, "Check integer overflow.", res.Content.Content)

	assert.Equal(t, provider.Credentials{Key: "sk", URL: "http://provider.invalid", Model: "gpt-test"}, gotCreds)
	require.Len(t, gotPrompt, 3)
	assert.Equal(t, "system", gotPrompt[0].Role)
	assert.Contains(t, gotPrompt[0].Content, "两数之和")
	assert.Contains(t, gotPrompt[0].Content, "int main(){}")
	assert.Contains(t, gotPrompt[0].Content, "cc")
	assert.Equal(t, provider.ChatMessage{Role: "assistant", Content: coach.Greeting}, gotPrompt[1])
	assert.Equal(t, provider.ChatMessage{Role: "user", Content: "why WA?"}, gotPrompt[2])

	c := f.reload(t)
	assert.Equal(t, 1, c.Count)
	require.Len(t, c.Messages, 3)
	assert.Equal(t, store.RoleUser, c.Messages[1].Role)
	assert.Equal(t, "  why WA?  \n", c.Messages[1].Content, "stored text is not trimmed")
	assert.Equal(t, "Check integer overflow.", c.Last().Content)
}

func TestOrchestrator_BudgetExhausted(t *testing.T) {
	for _, mode := range []coach.DiscardMode{coach.DiscardTrim, coach.DiscardKeep} {
		t.Run(string(mode), func(t *testing.T) {
			f := newTurnFixture(t, 1)
			_, err := f.accessor.IncrementTurnCount(context.Background(), f.conv.ID)
			require.NoError(t, err)

			called := false
			o := f.orchestrator(completerFunc(func(context.Context, provider.Credentials, []provider.ChatMessage) (string, error) {
				called = true
				return "", nil
			}), mode)

			res := o.HandleTurn(context.Background(), f.request("one more"))
			require.True(t, res.Success)
			require.NotNil(t, res.Content)
			assert.Equal(t, coach.NoticeMaxReached, res.Content.Content)
			assert.Equal(t, store.RoleAssistant, res.Content.Role)
			assert.False(t, called)

			c := f.reload(t)
			assert.Equal(t, 1, c.Count, "discarded turns are not counted")
			for _, m := range c.Messages {
				assert.NotEqual(t, coach.NoticeMaxReached, m.Content, "notices are not persisted")
			}
			if mode == coach.DiscardTrim {
				assert.Len(t, c.Messages, 1)
			} else {
				require.Len(t, c.Messages, 2)
				assert.Equal(t, "one more", c.Last().Content)
			}
		})
	}
}

func TestOrchestrator_CredentialsMissing(t *testing.T) {
	f := newTurnFixture(t, 10)
	require.NoError(t, f.store.SaveSettings(context.Background(), store.SystemDomain, store.Settings{UseAI: true, Count: 10, Key: "sk"}))

	o := f.orchestrator(replyWith("unused"), coach.DiscardTrim)
	res := o.HandleTurn(context.Background(), f.request("hi"))
	require.True(t, res.Success)
	assert.Equal(t, coach.NoticeNoCredentials, res.Content.Content)

	c := f.reload(t)
	assert.Equal(t, 0, c.Count)
	assert.Len(t, c.Messages, 1)
}

func TestOrchestrator_ProviderFaultKeepsUserMessage(t *testing.T) {
	f := newTurnFixture(t, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()
	require.NoError(t, f.store.SaveSettings(context.Background(), store.SystemDomain, store.Settings{Key: "sk", URL: srv.URL, Model: "m"}))

	o := f.orchestrator(provider.NewClient(time.Second), coach.DiscardTrim)
	res := o.HandleTurn(context.Background(), f.request("hint please"))
	assert.False(t, res.Success)
	assert.Nil(t, res.Content)
	assert.Equal(t, "Failed to get AI response: OpenAI API Error: rate limited", res.Error)

	c := f.reload(t)
	assert.Equal(t, 0, c.Count)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "hint please", c.Last().Content)
}

func TestOrchestrator_ProviderTimeout(t *testing.T) {
	f := newTurnFixture(t, 10)
	o := f.orchestrator(completerFunc(func(context.Context, provider.Credentials, []provider.ChatMessage) (string, error) {
		return "", provider.ErrTimeout
	}), coach.DiscardTrim)

	res := o.HandleTurn(context.Background(), f.request("hi"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Failed to get AI response: provider request timed out")
}

func TestOrchestrator_RejectsBadRequests(t *testing.T) {
	f := newTurnFixture(t, 10)
	o := f.orchestrator(replyWith("x"), coach.DiscardTrim)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(r *coach.TurnRequest)
		wantErr string
	}{
		{"unknown conversation", func(r *coach.TurnRequest) { r.ConversationID = "nope" }, "conversation not found"},
		{"other user", func(r *coach.TurnRequest) { r.UID = 8 }, "conversation belongs to another user"},
		{"other domain", func(r *coach.TurnRequest) { r.DomainID = "x" }, "conversation belongs to another domain"},
		{"empty message", func(r *coach.TurnRequest) { r.Message = "  " }, "message is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("hi")
			tt.mutate(&req)
			res := o.HandleTurn(ctx, req)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantErr, res.Error)
		})
	}

	assert.Len(t, f.reload(t).Messages, 1, "rejected requests write nothing")
}

func TestOrchestrator_ProblemNotFound(t *testing.T) {
	f := newTurnFixture(t, 10)
	ctx := context.Background()
	l := f.accessor.FetchOrRepair(ctx, 7, "missing", "d")
	require.NotNil(t, l.Conversation)

	o := f.orchestrator(replyWith("x"), coach.DiscardTrim)
	res := o.HandleTurn(ctx, coach.TurnRequest{ConversationID: l.Conversation.ID, UID: 7, Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, "Problem not found", res.Error)
}

func TestOrchestrator_ConcurrentTurnsRespectBudget(t *testing.T) {
	f := newTurnFixture(t, 2)
	_, err := f.accessor.IncrementTurnCount(context.Background(), f.conv.ID)
	require.NoError(t, err)

	o := f.orchestrator(replyWith("ok"), coach.DiscardKeep)

	results := make([]coach.TurnResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.HandleTurn(context.Background(), f.request("go"))
		}(i)
	}
	wg.Wait()

	var replies, notices int
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		switch r.Content.Content {
		case "ok":
			replies++
		case coach.NoticeMaxReached:
			notices++
		}
	}
	assert.Equal(t, 1, replies)
	assert.Equal(t, 1, notices)
	assert.Equal(t, 2, f.reload(t).Count)
}

// Two orchestrators without a shared lock both pass the budget check; the
// compare-and-swap commit must still hold the bound.
func TestOrchestrator_CommitConflictAcrossProcesses(t *testing.T) {
	f := newTurnFixture(t, 2)
	_, err := f.accessor.IncrementTurnCount(context.Background(), f.conv.ID)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		arrived int
		both    = make(chan struct{})
	)
	barrier := completerFunc(func(ctx context.Context, _ provider.Credentials, _ []provider.ChatMessage) (string, error) {
		mu.Lock()
		arrived++
		if arrived == 2 {
			close(both)
		}
		mu.Unlock()
		select {
		case <-both:
			return "ok", nil
		case <-time.After(5 * time.Second):
			return "", errors.New("peer never arrived")
		}
	})

	first := f.orchestratorWithLocks(barrier, coach.DiscardKeep, session.NewManager())
	second := f.orchestratorWithLocks(barrier, coach.DiscardKeep, session.NewManager())

	results := make([]coach.TurnResult, 2)
	var wg sync.WaitGroup
	for i, o := range []*coach.Orchestrator{first, second} {
		wg.Add(1)
		go func(i int, o *coach.Orchestrator) {
			defer wg.Done()
			results[i] = o.HandleTurn(context.Background(), f.request("go"))
		}(i, o)
	}
	wg.Wait()

	var replies, notices int
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		switch r.Content.Content {
		case "ok":
			replies++
		case coach.NoticeMaxReached:
			notices++
		}
	}
	assert.Equal(t, 1, replies)
	assert.Equal(t, 1, notices)

	c := f.reload(t)
	assert.Equal(t, 2, c.Count)
	var assistant int
	for _, m := range c.Messages[1:] {
		if m.Role == store.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, 1, assistant, "only the winning reply is stored")
}

func TestOrchestrator_PageLoadDuringTurnKeepsQuestion(t *testing.T) {
	f := newTurnFixture(t, 10)
	ctx := context.Background()

	called := make(chan struct{})
	release := make(chan struct{})
	o := f.orchestrator(completerFunc(func(context.Context, provider.Credentials, []provider.ChatMessage) (string, error) {
		close(called)
		<-release
		return "Look at the loop bound.", nil
	}), coach.DiscardTrim)

	done := make(chan coach.TurnResult, 1)
	go func() { done <- o.HandleTurn(ctx, f.request("my question")) }()
	<-called

	l := f.accessor.EnsureConversationVisible(ctx, 7, "P1", "d")
	require.NotNil(t, l)
	require.NotNil(t, l.Conversation)
	assert.Equal(t, store.RoleUser, l.Conversation.Last().Role, "pending question is shown, not repaired")

	close(release)
	res := <-done
	require.True(t, res.Success, res.Error)

	c := f.reload(t)
	assert.Equal(t, 1, c.Count)
	var roles []store.Role
	for _, m := range c.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []store.Role{store.RoleAssistant, store.RoleUser, store.RoleAssistant}, roles)
	assert.Equal(t, "my question", c.Messages[1].Content)

	// Once the turn is over a stale question is repaired again.
	_, err := f.accessor.Append(ctx, f.conv.ID, store.RoleUser, "abandoned")
	require.NoError(t, err)
	l = f.accessor.EnsureConversationVisible(ctx, 7, "P1", "d")
	require.NotNil(t, l)
	assert.Equal(t, store.RoleAssistant, l.Conversation.Last().Role)
}
