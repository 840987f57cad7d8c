package store

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when a conversation id does not resolve to a record.
	ErrNotFound = errors.New("store: not found")
	// ErrCountConflict is returned by CommitTurn when the turn counter moved
	// since the caller read it.
	ErrCountConflict = errors.New("store: turn count changed concurrently")
)

// SystemDomain is the settings record holding the provider credentials.
const SystemDomain = "system"

const (
	DefaultUseAI = true
	DefaultCount = 10
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation transcript.
type Message struct {
	Role      Role      `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// ConversationKey identifies the single conversation a user has on a problem
// within a domain.
type ConversationKey struct {
	DomainID  string
	UID       int64
	ProblemID string
}

type Conversation struct {
	ID        string    `json:"id"`
	DomainID  string    `json:"domainId"`
	UID       int64     `json:"uid"`
	ProblemID string    `json:"problemId"`
	Count     int       `json:"count"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Conversation) Key() ConversationKey {
	return ConversationKey{DomainID: c.DomainID, UID: c.UID, ProblemID: c.ProblemID}
}

// Last returns the trailing message, or nil for an empty transcript.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	UID       *int64
	ProblemID string
}

func (f ConversationFilter) match(c *Conversation) bool {
	if f.UID != nil && c.UID != *f.UID {
		return false
	}
	if f.ProblemID != "" && c.ProblemID != f.ProblemID {
		return false
	}
	return true
}

// Settings is the per-domain coach configuration. Key, URL and Model are only
// read from the SystemDomain record.
type Settings struct {
	DomainID string `json:"domainId" bson:"domainId"`
	UseAI    bool   `json:"useAI" bson:"useAI"`
	Count    int    `json:"count" bson:"count"`
	Key      string `json:"key" bson:"key"`
	URL      string `json:"url" bson:"url"`
	Model    string `json:"model" bson:"model"`
}

func DefaultSettings(domainID string) Settings {
	return Settings{DomainID: domainID, UseAI: DefaultUseAI, Count: DefaultCount}
}

func (s *Settings) HasCredentials() bool {
	return s.Key != "" && s.URL != "" && s.Model != ""
}

// Problem is the host's problem statement. Content is usually a JSON object
// mapping locale to description text.
type Problem struct {
	DomainID  string    `json:"domainId" bson:"domainId"`
	PID       string    `json:"pid" bson:"pid"`
	Title     string    `json:"title" bson:"title"`
	Content   string    `json:"content" bson:"content"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

type ConversationStore interface {
	// FindConversation returns (nil, nil) when no conversation exists for key.
	FindConversation(ctx context.Context, key ConversationKey) (*Conversation, error)
	// CreateConversation inserts a conversation seeded with greeting. If one
	// already exists for key it is returned unchanged.
	CreateConversation(ctx context.Context, key ConversationKey, greeting Message) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AppendMessage(ctx context.Context, id string, msg Message) (*Conversation, error)
	IncrementTurnCount(ctx context.Context, id string) (*Conversation, error)
	// CommitTurn appends msg and increments the counter in a single write,
	// provided the counter still equals expectedCount.
	CommitTurn(ctx context.Context, id string, msg Message, expectedCount int) (*Conversation, error)
	// TrimTrailing pops the last message. It returns (nil, nil) when the
	// conversation does not exist or has no messages.
	TrimTrailing(ctx context.Context, key ConversationKey) (*Conversation, error)
	// ListConversations yields the domain's conversations newest first.
	ListConversations(ctx context.Context, domainID string, filter ConversationFilter) iter.Seq2[*Conversation, error]
}

type SettingsStore interface {
	// GetSettings creates the default record on first read.
	GetSettings(ctx context.Context, domainID string) (*Settings, error)
	SaveSettings(ctx context.Context, domainID string, s Settings) error
}

type ProblemStore interface {
	// GetProblem returns (nil, nil) when the problem is unknown.
	GetProblem(ctx context.Context, domainID, pid string) (*Problem, error)
	SaveProblem(ctx context.Context, p Problem) error
}

type Store interface {
	ConversationStore
	SettingsStore
	ProblemStore
	Close() error
}
