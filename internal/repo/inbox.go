package repo

import (
	"context"
	"database/sql"
	"errors"

	"orgline/internal/domain"
)

const messageColumns = `id,agent_id,kind,subject,body,COALESCE(thread_id,''),details_json,created_at,read_at`

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	if m.ID == "" || m.AgentID == "" {
		return errors.New("message id and agent_id required")
	}
	details, err := domain.MarshalDetails(m.Details)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO inbox_messages(id,agent_id,kind,subject,body,thread_id,details_json,created_at,read_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.AgentID, m.Kind, m.Subject, m.Body, nullable(m.ThreadID), details, m.CreatedAt, nullableStringPtr(m.ReadAt))
	return err
}

// ListMessages returns an agent's inbox, oldest first.
func (r Repo) ListMessages(ctx context.Context, agentID string, unreadOnly bool) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM inbox_messages WHERE agent_id=?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	return r.queryMessages(ctx, query, agentID)
}

func (r Repo) ListThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM inbox_messages WHERE thread_id=? ORDER BY created_at, id`, threadID)
}

func (r Repo) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var details string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Kind, &m.Subject, &m.Body, &m.ThreadID, &details, &m.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if m.Details, err = domain.UnmarshalDetails(details); err != nil {
			return nil, err
		}
		if readAt.Valid {
			v := readAt.String
			m.ReadAt = &v
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkMessageRead stamps read_at on an unread message owned by agentID.
func (r Repo) MarkMessageRead(ctx context.Context, agentID, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE inbox_messages SET read_at=COALESCE(read_at, ?) WHERE id=? AND agent_id=?`, now, id, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
