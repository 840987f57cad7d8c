package coach

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hydroac/aicoach/internal/metrics"
	"github.com/hydroac/aicoach/internal/provider"
	"github.com/hydroac/aicoach/internal/session"
	"github.com/hydroac/aicoach/internal/store"
)

const (
	NoticeMaxReached    = "Max conversation reached"
	NoticeNoCredentials = "AI credentials not found"
)

// DiscardMode decides what happens to the user's message when a turn is
// discarded for budget or credentials reasons.
type DiscardMode string

const (
	// DiscardTrim pops the trailing message, the same repair a page load
	// would apply to an unanswered prompt.
	DiscardTrim DiscardMode = "trim"
	// DiscardKeep leaves the transcript untouched.
	DiscardKeep DiscardMode = "keep"
)

// Completer produces the assistant reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, creds provider.Credentials, messages []provider.ChatMessage) (string, error)
}

type TurnRequest struct {
	ConversationID string
	UID            int64
	DomainID       string
	Message        string
	Code           string
	CodeLang       string
}

// TurnResult is returned to the frontend as is. Content holds either the
// committed assistant reply or an advisory notice that was not persisted.
type TurnResult struct {
	Success bool           `json:"success"`
	Content *store.Message `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type OrchestratorConfig struct {
	DiscardMode       DiscardMode
	DescriptionLocale string
}

type Orchestrator struct {
	accessor  *Accessor
	settings  store.SettingsStore
	problems  store.ProblemStore
	completer Completer
	locks     *session.Manager
	log       zerolog.Logger
	cfg       OrchestratorConfig
}

func NewOrchestrator(
	accessor *Accessor,
	settings store.SettingsStore,
	problems store.ProblemStore,
	completer Completer,
	locks *session.Manager,
	log zerolog.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.DiscardMode == "" {
		cfg.DiscardMode = DiscardTrim
	}
	return &Orchestrator{
		accessor:  accessor,
		settings:  settings,
		problems:  problems,
		completer: completer,
		locks:     locks,
		log:       log.With().Str("component", "orchestrator").Logger(),
		cfg:       cfg,
	}
}

// HandleTurn runs one chat turn. It never returns an error: every fault is
// reported as {success:false, error}.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) TurnResult {
	var res TurnResult
	err := o.locks.WithLock(req.ConversationID, func() error {
		var err error
		res, err = o.turn(ctx, req)
		return err
	})
	if err != nil {
		kind := KindOf(err)
		metrics.TurnsTotal.WithLabelValues(string(kind)).Inc()
		o.log.Warn().Err(err).Str("conversation", req.ConversationID).Str("kind", string(kind)).Msg("turn failed")
		return TurnResult{Success: false, Error: err.Error()}
	}
	return res
}

func (o *Orchestrator) turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return TurnResult{}, invalidRequest("message is required")
	}

	conv, err := o.accessor.Get(ctx, req.ConversationID)
	if isNotFound(err) {
		return TurnResult{}, &Fault{Kind: FaultNotFound, Message: "conversation not found", Err: err}
	}
	if err != nil {
		return TurnResult{}, storageFault("loading conversation", err)
	}
	if conv.UID != req.UID {
		return TurnResult{}, invalidRequest("conversation belongs to another user")
	}
	if req.DomainID != "" && req.DomainID != conv.DomainID {
		return TurnResult{}, invalidRequest("conversation belongs to another domain")
	}

	// The user's message stays even if the turn fails later on.
	conv, err = o.accessor.Append(ctx, conv.ID, store.RoleUser, req.Message)
	if err != nil {
		return TurnResult{}, storageFault("saving message", err)
	}

	st, err := o.settings.GetSettings(ctx, conv.DomainID)
	if err != nil {
		return TurnResult{}, storageFault("loading settings", err)
	}
	budget := st.Count
	if conv.Count >= budget {
		return o.discard(ctx, conv, FaultBudgetExhausted, NoticeMaxReached, true), nil
	}

	sys, err := o.settings.GetSettings(ctx, store.SystemDomain)
	if err != nil {
		return TurnResult{}, storageFault("loading credentials", err)
	}
	if !sys.HasCredentials() {
		return o.discard(ctx, conv, FaultCredentialsMissing, NoticeNoCredentials, true), nil
	}

	problem, err := o.problems.GetProblem(ctx, conv.DomainID, conv.ProblemID)
	if err != nil {
		return TurnResult{}, storageFault("loading problem", err)
	}
	if problem == nil {
		return TurnResult{}, &Fault{Kind: FaultNotFound, Message: "Problem not found"}
	}

	prompt := BuildPrompt(
		BuildSystemPrompt(ProblemDescription(problem.Content, o.cfg.DescriptionLocale), req.Code, req.CodeLang),
		conv.Messages,
	)

	start := time.Now()
	content, err := o.completer.Complete(ctx, provider.Credentials{Key: sys.Key, URL: sys.URL, Model: sys.Model}, prompt)
	status := "ok"
	if err != nil {
		status = string(providerFault(err).Kind)
	}
	metrics.ProviderDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return TurnResult{}, providerFault(err)
	}

	return o.commit(ctx, conv, content, budget)
}

// commit stores the reply and counts the turn in one write. If another
// writer counted a turn in between, the budget is checked again and the
// commit retried once.
func (o *Orchestrator) commit(ctx context.Context, conv *store.Conversation, content string, budget int) (TurnResult, error) {
	reply := o.accessor.message(store.RoleAssistant, content)
	expected := conv.Count

	for attempt := 0; ; attempt++ {
		updated, err := o.accessor.Commit(ctx, conv.ID, reply, expected)
		if err == nil {
			metrics.TurnsTotal.WithLabelValues("committed").Inc()
			o.log.Info().Str("conversation", conv.ID).Int("count", updated.Count).Int("budget", budget).Msg("turn committed")
			return TurnResult{Success: true, Content: &reply}, nil
		}
		if !errors.Is(err, store.ErrCountConflict) || attempt > 0 {
			return TurnResult{}, storageFault("saving reply", err)
		}

		fresh, err := o.accessor.Get(ctx, conv.ID)
		if err != nil {
			return TurnResult{}, storageFault("reloading conversation", err)
		}
		if fresh.Count >= budget {
			// The trailing message now belongs to the other turn; leave it.
			return o.discard(ctx, fresh, FaultBudgetExhausted, NoticeMaxReached, false), nil
		}
		expected = fresh.Count
	}
}

// discard answers with an advisory notice that is neither appended nor
// counted.
func (o *Orchestrator) discard(ctx context.Context, conv *store.Conversation, kind FaultKind, notice string, trim bool) TurnResult {
	metrics.TurnsTotal.WithLabelValues(string(kind)).Inc()
	o.log.Info().Str("conversation", conv.ID).Str("kind", string(kind)).Msg("turn discarded")

	if trim && o.cfg.DiscardMode == DiscardTrim {
		if _, err := o.accessor.TrimTrailing(ctx, conv.Key()); err != nil {
			o.log.Warn().Err(err).Str("conversation", conv.ID).Msg("trimming discarded turn")
		}
	}

	msg := o.accessor.message(store.RoleAssistant, notice)
	return TurnResult{Success: true, Content: &msg}
}
