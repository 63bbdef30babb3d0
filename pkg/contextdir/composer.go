package contextdir

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
	"github.com/halcyonlabs/outpost/pkg/thread"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// NoHistoryPlaceholder is the canonical body of the history artifact when a
// thread has no prior messages.
const NoHistoryPlaceholder = "# Conversation History\n\n(No prior history - this is a new conversation)"

// Composer renders the dynamic context artifacts consumed by the reasoning
// engine: current session state and the full conversation history.
type Composer struct {
	docs      *Documents
	agentName string
	workDir   string
}

// NewComposer creates a composer writing through the given document store
func NewComposer(docs *Documents, agentName, workDir string) *Composer {
	return &Composer{
		docs:      docs,
		agentName: agentName,
		workDir:   workDir,
	}
}

// RenderDynamic writes the state and history artifacts for one dispatch.
// Both writes fully overwrite any prior artifact; this runs synchronously
// before every engine invocation and is never cached.
func (c *Composer) RenderDynamic(ctx context.Context, threadID, sender, channel string, history []thread.Message) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"outpost.contextdir",
		"context.render",
		attribute.String("thread_id", threadID),
		attribute.Int("history_len", len(history)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := c.docs.Put(StateDocument, c.renderState(threadID, sender, channel)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to render state artifact: %w", err)
	}

	if err := c.docs.Put(HistoryDocument, c.renderHistory(threadID, history)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to render history artifact: %w", err)
	}

	observability.RecordContextRender()
	logger.Debug().Int("messages", len(history)).Msg("Dynamic context rendered")
	return nil
}

func (c *Composer) renderState(threadID, sender, channel string) string {
	var b strings.Builder

	b.WriteString("# Current State\n\n")
	b.WriteString("## Session Info\n")
	fmt.Fprintf(&b, "- Thread: %s\n", threadID)
	fmt.Fprintf(&b, "- Timestamp: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Channel: %s\n", channel)
	fmt.Fprintf(&b, "- Sender: %s\n", sender)
	b.WriteString("\n## Environment\n")
	fmt.Fprintf(&b, "- Agent: %s\n", c.agentName)
	fmt.Fprintf(&b, "- Working Directory: %s\n", c.workDir)

	return b.String()
}

func (c *Composer) renderHistory(threadID string, history []thread.Message) string {
	if len(history) == 0 {
		return NoHistoryPlaceholder
	}

	var b strings.Builder

	b.WriteString("# Conversation History\n\n")
	fmt.Fprintf(&b, "Thread: %s\n", threadID)
	fmt.Fprintf(&b, "Total messages: %d\n\n", len(history))

	for _, msg := range history {
		role := c.agentName
		if msg.Role == thread.RoleUser {
			role = "User"
		}
		fmt.Fprintf(&b, "**%s** (%s):\n%s\n\n---\n\n", role, msg.Timestamp.Format(time.RFC3339), msg.Content)
	}

	return b.String()
}
