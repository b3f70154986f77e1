package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maratos-ai/orchestrator/pkg/sessionresolver"
)

// SessionRepository persists channel-neutral sessions and messages against
// Postgres, satisfying pkg/sessionresolver.Store so production code wires
// the Resolver against durable storage while tests use
// sessionresolver.NewMemStore instead — the same seam-swap pattern
// pkg/store's other repositories use relative to their in-memory engine
// test doubles. Session/message ids are plain strings at the
// sessionresolver boundary (channel-agnostic, store-agnostic); this
// repository is the only place that knows they're UUIDs on disk.
type SessionRepository struct {
	db *Client
}

func NewSessionRepository(db *Client) *SessionRepository { return &SessionRepository{db: db} }

func (r *SessionRepository) FindSession(channelKind sessionresolver.ChannelKind, externalThreadID string) (*sessionresolver.Session, bool) {
	row := r.db.Pool.QueryRow(context.Background(), `
		SELECT id, bound_agent_id, title, channel_kind, external_thread_id, external_user_id, external_user_name, created_at, last_active_at
		FROM sessions WHERE channel_kind = $1 AND external_thread_id = $2`, channelKind, externalThreadID)

	s, err := scanSession(row)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (r *SessionRepository) CreateSession(s sessionresolver.Session) (*sessionresolver.Session, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		id = uuid.New()
		s.ID = id.String()
	}
	_, err = r.db.Pool.Exec(context.Background(), `
		INSERT INTO sessions (id, bound_agent_id, title, channel_kind, external_thread_id, external_user_id, external_user_name, created_at, last_active_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		id, s.BoundAgentID, s.Title, s.ChannelKind, s.ExternalThreadID, s.ExternalUserID, s.ExternalUserName, s.CreatedAt, s.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) TouchSession(sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(context.Background(),
		`UPDATE sessions SET last_active_at = now() WHERE id = $1`, id)
	return err
}

func (r *SessionRepository) SaveMessage(m sessionresolver.Message) (sessionresolver.Message, error) {
	sessionID, err := uuid.Parse(m.SessionID)
	if err != nil {
		return sessionresolver.Message{}, err
	}

	var attachmentsRaw []byte
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return sessionresolver.Message{}, err
		}
		attachmentsRaw = raw
	}

	row := r.db.Pool.QueryRow(context.Background(), `
		INSERT INTO channel_messages (session_id, role, content, source_channel, external_message_id, sender_id, sender_name, attachments, redacted)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		RETURNING id, created_at`,
		sessionID, m.Role, m.Content, m.SourceChannel, m.ExternalMessageID, m.SenderID, m.SenderName, nullableJSON(attachmentsRaw), m.Redacted)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return sessionresolver.Message{}, err
	}
	return m, nil
}

func (r *SessionRepository) MessagesBySession(sessionID string) ([]sessionresolver.Message, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool.Query(context.Background(), `
		SELECT id, session_id, role, content, source_channel, external_message_id, sender_id, sender_name, attachments, redacted, created_at
		FROM channel_messages WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionresolver.Message
	for rows.Next() {
		var m sessionresolver.Message
		var msgSessionID uuid.UUID
		var externalMessageID, senderID, senderName *string
		var attachmentsRaw []byte
		if err := rows.Scan(&m.ID, &msgSessionID, &m.Role, &m.Content, &m.SourceChannel,
			&externalMessageID, &senderID, &senderName, &attachmentsRaw, &m.Redacted, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SessionID = msgSessionID.String()
		if externalMessageID != nil {
			m.ExternalMessageID = *externalMessageID
		}
		if senderID != nil {
			m.SenderID = *senderID
		}
		if senderName != nil {
			m.SenderName = *senderName
		}
		if len(attachmentsRaw) > 0 {
			_ = json.Unmarshal(attachmentsRaw, &m.Attachments)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*sessionresolver.Session, error) {
	var s sessionresolver.Session
	var id uuid.UUID
	var boundAgentID, title, externalUserID, externalUserName *string
	if err := row.Scan(&id, &boundAgentID, &title, &s.ChannelKind, &s.ExternalThreadID,
		&externalUserID, &externalUserName, &s.CreatedAt, &s.LastActiveAt); err != nil {
		return nil, err
	}
	s.ID = id.String()
	if boundAgentID != nil {
		s.BoundAgentID = *boundAgentID
	}
	if title != nil {
		s.Title = *title
	}
	if externalUserID != nil {
		s.ExternalUserID = *externalUserID
	}
	if externalUserName != nil {
		s.ExternalUserName = *externalUserName
	}
	return &s, nil
}
