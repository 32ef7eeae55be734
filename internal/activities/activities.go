// Package activities holds the Temporal activity implementations for the
// answer pipeline. Each stage is an activity so its side effects (model
// calls, tool calls, event emission, persistence) stay out of workflow
// history replay.
package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/db"
	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/session"
	"github.com/answerflow-ai/answerflow/internal/streaming"
	"github.com/answerflow-ai/answerflow/internal/tokens"
	"github.com/answerflow-ai/answerflow/internal/tools"
)

// Inference is the model capability the stages depend on.
type Inference interface {
	Plan(ctx context.Context, req llm.PlanRequest) (llm.PlanResponse, error)
	Research(ctx context.Context, req llm.ResearchRequest, onDelta func(string)) (llm.ResearchResponse, string, error)
	Synthesize(ctx context.Context, req llm.SynthesizeRequest, onDelta func(string)) (string, error)
}

// Persister is the database capability used after synthesis.
type Persister interface {
	PersistAssistantMessage(ctx context.Context, msg *db.AssistantMessage) (string, error)
	UpdateChatTitleIfNeeded(ctx context.Context, chatID, currentTitle, intent string) error
}

// HistoryStore provides conversation context for planning and synthesis.
type HistoryStore interface {
	Append(ctx context.Context, chatID string, msg session.Message) error
	Recent(ctx context.Context, chatID string, limit int) ([]session.Message, error)
}

// Deps wires the activity collaborators. Workflow tunables are not among
// them: each stage receives the run's config snapshot in its input, so a hot
// reload never changes behavior under a running workflow.
type Deps struct {
	LLM      Inference
	Searcher tools.Searcher
	Scraper  tools.Scraper
	Events   *eventlog.Store
	Stream   *streaming.Manager
	Tokens   *tokens.Manager
	Signer   tokens.Signer
	DB       Persister
	History  HistoryStore
	Logger   *zap.Logger
}

// Activities is registered once per worker; all methods are activities.
type Activities struct {
	llm      Inference
	searcher tools.Searcher
	scraper  tools.Scraper
	events   *eventlog.Store
	stream   *streaming.Manager
	tokens   *tokens.Manager
	signer   tokens.Signer
	db       Persister
	history  HistoryStore
	logger   *zap.Logger
}

func zapWorkflow(workflowID string, err error) []zap.Field {
	return []zap.Field{zap.String("workflow_id", workflowID), zap.Error(err)}
}

func New(d Deps) *Activities {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Activities{
		llm:      d.LLM,
		searcher: d.Searcher,
		scraper:  d.Scraper,
		events:   d.Events,
		stream:   d.Stream,
		tokens:   d.Tokens,
		signer:   d.Signer,
		db:       d.DB,
		history:  d.History,
		logger:   d.Logger,
	}
}
