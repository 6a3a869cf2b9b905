package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opirc/remoteagent/internal/infra/llm"
)

// SQLStore persists transcripts in the conversation_message table so they
// survive restarts.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, id string, msg llm.Message) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("conversation: encode message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_message (conversation_id, seq, role, content, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM conversation_message
		WHERE conversation_id = ?
	`, id, string(msg.Role), string(content), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("conversation: append %q: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, id string) ([]llm.Message, error) {
	if id == "" {
		return nil, ErrEmptyConversationID
	}
	rows, err := s.readRows(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, len(rows))
	for i, r := range rows {
		out[i] = r.msg
	}
	return out, nil
}

func (s *SQLStore) Trim(ctx context.Context, id string, policy TrimPolicy) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	rows, err := s.readRows(ctx, id)
	if err != nil {
		return err
	}

	msgs := make([]llm.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.msg
	}
	start := trimStart(msgs, policy.MaxMessages)
	if start == 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM conversation_message WHERE conversation_id = ? AND seq < ?`,
		id, rows[start].seq,
	)
	if err != nil {
		return fmt.Errorf("conversation: trim %q: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyConversationID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_message WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("conversation: clear %q: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT conversation_id FROM conversation_message ORDER BY conversation_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type storedMessage struct {
	seq int64
	msg llm.Message
}

func (s *SQLStore) readRows(ctx context.Context, id string) ([]storedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content
		FROM conversation_message
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation: read %q: %w", id, err)
	}
	defer rows.Close()

	out := make([]storedMessage, 0)
	for rows.Next() {
		var (
			item    storedMessage
			role    string
			content string
		)
		if err := rows.Scan(&item.seq, &role, &content); err != nil {
			return nil, err
		}
		item.msg.Role = llm.Role(role)
		if err := json.Unmarshal([]byte(content), &item.msg.Content); err != nil {
			return nil, fmt.Errorf("conversation: decode seq %d: %w", item.seq, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
