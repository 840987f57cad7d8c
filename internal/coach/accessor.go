// Package coach owns the conversation lifecycle of the AI coach: fetching and
// repairing transcripts, and running chat turns against the provider under
// a per-conversation turn budget.
package coach

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/hydroac/aicoach/internal/metrics"
	"github.com/hydroac/aicoach/internal/session"
	"github.com/hydroac/aicoach/internal/store"
)

// Greeting seeds every new conversation.
const Greeting = "hello, what can I help you with?"

const (
	DefaultRetryAttempts = 3
	DefaultRetryInterval = time.Second
)

// Lookup is the outcome of FetchOrRepair. Exactly one of Conversation, NoAI
// or Error is set.
type Lookup struct {
	Conversation *store.Conversation `json:"conversation,omitempty"`
	MaxCount     int                 `json:"maxCount,omitempty"`
	NoAI         bool                `json:"noAI,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func (l Lookup) Failed() bool { return l.Error != "" }

// Accessor is the only path through which conversations are read and
// mutated. Every call fetches fresh state from the store.
type Accessor struct {
	conversations store.ConversationStore
	settings      store.SettingsStore
	locks         *session.Manager
	log           zerolog.Logger

	now           func() time.Time
	retryAttempts int
	retryInterval time.Duration
}

type AccessorOption func(*Accessor)

// WithClock overrides the source of message timestamps.
func WithClock(now func() time.Time) AccessorOption {
	return func(a *Accessor) { a.now = now }
}

// WithLocks shares the turn locks of an Orchestrator so that a page load
// never repairs a conversation while a turn on it is in flight.
func WithLocks(locks *session.Manager) AccessorOption {
	return func(a *Accessor) { a.locks = locks }
}

// WithRetry sets how often EnsureConversationVisible retries an empty fetch
// and how long it waits between attempts.
func WithRetry(attempts int, interval time.Duration) AccessorOption {
	return func(a *Accessor) {
		if attempts >= 0 {
			a.retryAttempts = attempts
		}
		if interval >= 0 {
			a.retryInterval = interval
		}
	}
}

func NewAccessor(conversations store.ConversationStore, settings store.SettingsStore, log zerolog.Logger, opts ...AccessorOption) *Accessor {
	a := &Accessor{
		conversations: conversations,
		settings:      settings,
		locks:         session.NewManager(),
		log:           log.With().Str("component", "accessor").Logger(),
		now:           time.Now,
		retryAttempts: DefaultRetryAttempts,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accessor) message(role store.Role, content string) store.Message {
	return store.Message{Role: role, Content: content, Timestamp: a.now()}
}

// FetchOrRepair returns the conversation for (uid, pid, domainID), creating
// it on first access. Trailing unanswered user messages are popped before the
// record is returned. Storage faults are reported in Lookup.Error.
func (a *Accessor) FetchOrRepair(ctx context.Context, uid int64, pid, domainID string) Lookup {
	st, err := a.settings.GetSettings(ctx, domainID)
	if err != nil {
		return a.failed("loading settings", err)
	}
	if !st.UseAI {
		return Lookup{NoAI: true}
	}

	key := store.ConversationKey{DomainID: domainID, UID: uid, ProblemID: pid}
	conv, err := a.conversations.FindConversation(ctx, key)
	if err != nil {
		return a.failed("loading conversation", err)
	}
	if conv == nil {
		conv, err = a.conversations.CreateConversation(ctx, key, a.message(store.RoleAssistant, Greeting))
		if err != nil {
			return a.failed("creating conversation", err)
		}
		a.log.Info().Str("conversation", conv.ID).Int64("uid", uid).Str("pid", pid).Str("domain", domainID).Msg("conversation created")
	}

	if isUnanswered(conv) {
		conv, err = a.repair(ctx, conv)
		if err != nil {
			return a.failed("repairing conversation", err)
		}
	}

	return Lookup{Conversation: conv, MaxCount: st.Count}
}

// repair pops trailing user messages unless a turn holds the conversation,
// in which case the pending message is left for that turn to answer.
func (a *Accessor) repair(ctx context.Context, conv *store.Conversation) (*store.Conversation, error) {
	key := conv.Key()
	ran, err := a.locks.TryWithLock(conv.ID, func() error {
		// A turn may have committed between the find and the lock.
		fresh, err := a.conversations.GetConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		conv = fresh
		for conv != nil && isUnanswered(conv) {
			a.log.Debug().Str("conversation", conv.ID).Msg("dropping unanswered user message")
			if conv, err = a.conversations.TrimTrailing(ctx, key); err != nil {
				return err
			}
		}
		if conv == nil {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		a.log.Debug().Str("conversation", conv.ID).Msg("turn in flight, repair skipped")
	}
	return conv, nil
}

func isUnanswered(c *store.Conversation) bool {
	last := c.Last()
	return last != nil && last.Role == store.RoleUser
}

func (a *Accessor) failed(op string, err error) Lookup {
	a.log.Error().Err(err).Msg(op)
	return Lookup{Error: op + ": " + err.Error()}
}

// EnsureConversationVisible backs the problem page: it retries FetchOrRepair
// while the fetch yields no conversation, to ride out a slow first write.
// It returns nil when every attempt fails.
func (a *Accessor) EnsureConversationVisible(ctx context.Context, uid int64, pid, domainID string) *Lookup {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 0; ; attempt++ {
		l := a.FetchOrRepair(ctx, uid, pid, domainID)
		if l.NoAI || l.Conversation != nil {
			return &l
		}
		if attempt >= a.retryAttempts {
			a.log.Warn().Int("attempts", attempt+1).Str("last_error", l.Error).Msg("conversation unavailable")
			return nil
		}

		metrics.ConversationFetchRetries.Inc()
		if timer == nil {
			timer = time.NewTimer(a.retryInterval)
		} else {
			timer.Reset(a.retryInterval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (a *Accessor) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return a.conversations.GetConversation(ctx, id)
}

// Append adds a message with a server-assigned timestamp to the end of the
// transcript.
func (a *Accessor) Append(ctx context.Context, id string, role store.Role, content string) (*store.Conversation, error) {
	return a.conversations.AppendMessage(ctx, id, a.message(role, content))
}

func (a *Accessor) IncrementTurnCount(ctx context.Context, id string) (*store.Conversation, error) {
	return a.conversations.IncrementTurnCount(ctx, id)
}

// Commit records an assistant reply and counts the turn in one write. It
// fails with store.ErrCountConflict if the counter is no longer expectedCount.
func (a *Accessor) Commit(ctx context.Context, id string, reply store.Message, expectedCount int) (*store.Conversation, error) {
	return a.conversations.CommitTurn(ctx, id, reply, expectedCount)
}

// TrimTrailing pops the last message of the conversation. It returns
// (nil, nil) when there is nothing to pop.
func (a *Accessor) TrimTrailing(ctx context.Context, key store.ConversationKey) (*store.Conversation, error) {
	return a.conversations.TrimTrailing(ctx, key)
}

// ListByDomain yields the domain's conversations newest first.
func (a *Accessor) ListByDomain(ctx context.Context, domainID string, filter store.ConversationFilter) iter.Seq2[*store.Conversation, error] {
	return a.conversations.ListConversations(ctx, domainID, filter)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
