package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"orgline/internal/db"
	"orgline/internal/domain"
	"orgline/internal/repo"
)

// Message is the content of one notification before it is addressed and stored.
type Message struct {
	Kind     string
	Subject  string
	Body     string
	ThreadID string
	Details  domain.Details
}

type Store interface {
	InsertMessage(ctx context.Context, m domain.Message) error
	ListMessages(ctx context.Context, agentID string, unreadOnly bool) ([]domain.Message, error)
	MarkMessageRead(ctx context.Context, agentID, id, now string) error
}

var _ Store = repo.Repo{}

// Inbox delivers messages to an agent both as a database row and as a line in the
// agent's inbox.jsonl under the workspace state directory.
type Inbox struct {
	Store     Store
	Workspace string
	Now       func() time.Time
}

func (i Inbox) now() string {
	if i.Now != nil {
		return i.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// AgentDir is the per-agent directory that the archiver moves when an agent is fired.
// It fails for ids that would resolve anywhere but directly under the agents directory.
func AgentDir(workspace, agentID string) (string, error) {
	if err := domain.ValidateAgentID(agentID); err != nil {
		return "", err
	}
	root := filepath.Join(db.StateDir(workspace), "agents")
	dir := filepath.Join(root, agentID)
	if filepath.Dir(dir) != root {
		return "", fmt.Errorf("agent directory %s escapes %s", dir, root)
	}
	return dir, nil
}

func (i Inbox) Notify(ctx context.Context, agentID string, msg Message) error {
	if _, err := AgentDir(i.Workspace, agentID); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	m := domain.Message{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Kind:      msg.Kind,
		Subject:   msg.Subject,
		Body:      msg.Body,
		ThreadID:  msg.ThreadID,
		Details:   msg.Details,
		CreatedAt: i.now(),
	}
	if err := i.Store.InsertMessage(ctx, m); err != nil {
		return fmt.Errorf("notify %s: store message: %w", agentID, err)
	}
	if err := i.appendFile(m); err != nil {
		return fmt.Errorf("notify %s: inbox file: %w", agentID, err)
	}
	return nil
}

func (i Inbox) appendFile(m domain.Message) error {
	dir, err := AgentDir(i.Workspace, m.AgentID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "inbox.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (i Inbox) List(ctx context.Context, agentID string, unreadOnly bool) ([]domain.Message, error) {
	return i.Store.ListMessages(ctx, agentID, unreadOnly)
}

func (i Inbox) MarkRead(ctx context.Context, agentID, messageID string) error {
	return i.Store.MarkMessageRead(ctx, agentID, messageID, i.now())
}
