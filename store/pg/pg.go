package pg

import (
	"context"
	"time"

	"ChatRelay/model"
	"ChatRelay/store"
	"ChatRelay/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store is the Postgres-backed durable store. Sequence allocation and
// the set-once delivery markers ride single statements so concurrent
// writers serialize on row locks, not in the core.
type Store struct {
	Pool *pgxpool.Pool
}

func Dial(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "pg ping")
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// bump the conversation counter and insert in one round trip
	row := s.Pool.QueryRow(ctx, `
		UPDATE conversations SET max_seq = max_seq + 1, updated_at = now()
		WHERE conversation_id = $1
		RETURNING max_seq`, msg.ConversationID)
	if err := row.Scan(&msg.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return errors.Wrap(err, "next seq")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO messages
			(message_id, conversation_id, sender_id, content, attachment_url, seq, created_at, deleted)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, false)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.AttachmentURL, msg.Seq, msg.CreatedAt)
	return errors.Wrap(err, "insert message")
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	m, err := s.scanMessage(s.Pool.QueryRow(ctx, selectMessage+` WHERE m.message_id = $1`, messageID))
	if err != nil {
		return nil, err
	}
	if err := s.loadReadMarkers(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetUnreadMessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]*model.Message, error) {
	rows, err := s.Pool.Query(ctx, selectMessage+`
		WHERE m.conversation_id = $1 AND m.seq > $2 AND NOT m.deleted
		ORDER BY m.seq`, conversationID, since)
	if err != nil {
		return nil, errors.Wrap(err, "query unread")
	}
	return s.scanMessages(ctx, rows)
}

func (s *Store) GetUndeliveredMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	rows, err := s.Pool.Query(ctx, selectMessage+`
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id
		WHERE cm.user_id = $1
		  AND m.delivered_at IS NULL
		  AND NOT m.deleted
		  AND (m.sender_id IS NULL OR m.sender_id <> $1)
		ORDER BY m.seq`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query undelivered")
	}
	return s.scanMessages(ctx, rows)
}

func (s *Store) SetDeliveredAt(ctx context.Context, messageID string, at time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE messages SET delivered_at = $2
		WHERE message_id = $1 AND delivered_at IS NULL AND NOT deleted`,
		messageID, at)
	if err != nil {
		return false, errors.Wrap(err, "set delivered_at")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetReadMarker(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT $1, $2, $3
		WHERE EXISTS (SELECT 1 FROM messages WHERE message_id = $1 AND NOT deleted)
		ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID, at)
	if err != nil {
		return false, errors.Wrap(err, "set read marker")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetEdited(ctx context.Context, messageID, content string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE messages SET content = $2, edited_at = $3
		WHERE message_id = $1 AND NOT deleted`, messageID, content, at)
	return errors.Wrap(err, "set edited")
}

func (s *Store) SetDeleted(ctx context.Context, messageID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE messages SET deleted = true WHERE message_id = $1`, messageID)
	return errors.Wrap(err, "set deleted")
}

func (s *Store) AddReaction(ctx context.Context, r *model.Reaction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO reactions (message_id, conversation_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		r.MessageID, r.ConversationID, r.UserID, r.Emoji, r.CreatedAt)
	return errors.Wrap(err, "add reaction")
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	return errors.Wrap(err, "remove reaction")
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.Pool.QueryRow(ctx, `
		SELECT conversation_id, type, COALESCE(title, ''), created_by, max_seq, created_at, updated_at
		FROM conversations WHERE conversation_id = $1`, conversationID).
		Scan(&c.ID, &c.Type, &c.Title, &c.CreatedBy, &c.MaxSeq, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query conversation")
	}
	members, err := s.GetConversationMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

func (s *Store) GetConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "query members")
	}
	return scanStrings(rows)
}

func (s *Store) GetConversationIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT conversation_id FROM conversation_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query conversation ids")
	}
	return scanStrings(rows)
}

func (s *Store) GetFriends(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT CASE WHEN user_id = $1 THEN friend_id ELSE user_id END
		FROM friendships
		WHERE status = 'accepted' AND (user_id = $1 OR friend_id = $1)`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query friends")
	}
	return scanStrings(rows)
}

const selectMessage = `
	SELECT m.message_id, m.conversation_id, COALESCE(m.sender_id, ''), m.content,
	       COALESCE(m.attachment_url, ''), m.seq, m.created_at, m.edited_at,
	       m.deleted, m.delivered_at
	FROM messages m`

func (s *Store) scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
		&m.AttachmentURL, &m.Seq, &m.CreatedAt, &m.EditedAt, &m.Deleted, &m.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	return &m, nil
}

func (s *Store) scanMessages(ctx context.Context, rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	for _, m := range out {
		if err := s.loadReadMarkers(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadReadMarkers(ctx context.Context, m *model.Message) error {
	rows, err := s.Pool.Query(ctx,
		`SELECT user_id, read_at FROM message_reads WHERE message_id = $1`, m.ID)
	if err != nil {
		return errors.Wrap(err, "query read markers")
	}
	defer rows.Close()
	for rows.Next() {
		var rm model.ReadMarker
		if err := rows.Scan(&rm.UserID, &rm.ReadAt); err != nil {
			return errors.Wrap(err, "scan read marker")
		}
		m.ReadBy = append(m.ReadBy, rm)
	}
	return rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
