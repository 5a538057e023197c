package backend

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"PPClient/module/chat/model"
)

// 唯一约束名；23505 时按约束名分类
const (
	pgConSenderCID = "uk_sender_cid"
	pgConConvSeq   = "uk_conv_seq"
)

// PGStore Postgres 存储实现
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

// EnsureSchema 建表建约束；幂等，启动时调用
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message (
			msg_id          TEXT PRIMARY KEY,
			client_msg_id   TEXT,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			seq             BIGINT NOT NULL,
			created_at_ms   BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + pgConSenderCID +
			` ON message (sender_id, client_msg_id) WHERE client_msg_id <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + pgConConvSeq +
			` ON message (conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS write_record (
			device_id        TEXT NOT NULL,
			client_write_seq BIGINT NOT NULL,
			client_msg_id    TEXT NOT NULL,
			msg_id           TEXT NOT NULL,
			seq              BIGINT NOT NULL,
			PRIMARY KEY (device_id, client_write_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS seq_conversation (
			conversation_id TEXT PRIMARY KEY,
			min_seq         BIGINT NOT NULL DEFAULT 0,
			max_seq         BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_cursor (
			user_id             TEXT NOT NULL,
			conversation_id     TEXT NOT NULL,
			delivered_up_to_seq BIGINT NOT NULL DEFAULT 0,
			read_up_to_seq      BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, conversation_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) EnsureConversation(ctx context.Context, convID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seq_conversation (conversation_id) VALUES ($1)
		 ON CONFLICT (conversation_id) DO NOTHING`, convID)
	return err
}

func (s *PGStore) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM message WHERE conversation_id = $1`,
		convID).Scan(&max)
	return max, err
}

func (s *PGStore) QueryMinSeq(ctx context.Context, convID string) (int64, error) {
	var min int64
	err := s.pool.QueryRow(ctx,
		`SELECT min_seq FROM seq_conversation WHERE conversation_id = $1`,
		convID).Scan(&min)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return min, err
}

func (s *PGStore) BumpMinSeq(ctx context.Context, convID string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seq_conversation (conversation_id, min_seq) VALUES ($1, $2)
		 ON CONFLICT (conversation_id)
		 DO UPDATE SET min_seq = GREATEST(seq_conversation.min_seq, EXCLUDED.min_seq)`,
		convID, seq)
	return err
}

func (s *PGStore) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message (msg_id, client_msg_id, conversation_id, sender_id, content, seq, created_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ClientMsgID, m.ConversationID, m.SenderID, m.Content, m.Seq, m.CreatedAtMS)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO seq_conversation (conversation_id, max_seq) VALUES ($1, $2)
		 ON CONFLICT (conversation_id)
		 DO UPDATE SET max_seq = GREATEST(seq_conversation.max_seq, EXCLUDED.max_seq)`,
		m.ConversationID, m.Seq)
	return err
}

func (s *PGStore) scanOne(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.ConversationID, &m.SenderID,
		&m.Content, &m.Seq, &m.CreatedAtMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const msgCols = `msg_id, client_msg_id, conversation_id, sender_id, content, seq, created_at_ms`

func (s *PGStore) FindByID(ctx context.Context, id string) (*model.Message, error) {
	return s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM message WHERE msg_id = $1`, id))
}

func (s *PGStore) FindByClientID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error) {
	return s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM message WHERE sender_id = $1 AND client_msg_id = $2`,
		senderID, clientMsgID))
}

func (s *PGStore) listRows(rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ClientMsgID, &m.ConversationID, &m.SenderID,
			&m.Content, &m.Seq, &m.CreatedAtMS); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PGStore) ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+msgCols+` FROM message
		 WHERE conversation_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		convID, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	return s.listRows(rows)
}

func (s *PGStore) ListLatest(ctx context.Context, convID string, limit int) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
			SELECT `+msgCols+` FROM message
			WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		 ) t ORDER BY seq ASC`,
		convID, limit)
	if err != nil {
		return nil, err
	}
	return s.listRows(rows)
}

func (s *PGStore) FindWrite(ctx context.Context, deviceID string, clientWriteSeq int64) (*WriteRecord, error) {
	var rec WriteRecord
	err := s.pool.QueryRow(ctx,
		`SELECT device_id, client_write_seq, client_msg_id, msg_id, seq
		 FROM write_record WHERE device_id = $1 AND client_write_seq = $2`,
		deviceID, clientWriteSeq).
		Scan(&rec.DeviceID, &rec.ClientWriteSeq, &rec.ClientMsgID, &rec.MsgID, &rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) RecordWrite(ctx context.Context, rec *WriteRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO write_record (device_id, client_write_seq, client_msg_id, msg_id, seq)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id, client_write_seq) DO NOTHING`,
		rec.DeviceID, rec.ClientWriteSeq, rec.ClientMsgID, rec.MsgID, rec.Seq)
	return err
}

func (s *PGStore) GetCursor(ctx context.Context, userID, convID string) (int64, int64, error) {
	var delivered, read int64
	err := s.pool.QueryRow(ctx,
		`SELECT delivered_up_to_seq, read_up_to_seq FROM conversation_cursor
		 WHERE user_id = $1 AND conversation_id = $2`,
		userID, convID).Scan(&delivered, &read)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	return delivered, read, err
}

func (s *PGStore) PutCursor(ctx context.Context, userID, convID string, delivered, read int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_cursor (user_id, conversation_id, delivered_up_to_seq, read_up_to_seq)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, conversation_id)
		 DO UPDATE SET
			delivered_up_to_seq = GREATEST(conversation_cursor.delivered_up_to_seq, EXCLUDED.delivered_up_to_seq),
			read_up_to_seq      = GREATEST(conversation_cursor.read_up_to_seq, EXCLUDED.read_up_to_seq)`,
		userID, convID, delivered, read)
	return err
}

func (s *PGStore) IsUniqueClientIDErr(err error) bool {
	return pgConstraintIs(err, pgConSenderCID)
}

func (s *PGStore) IsUniqueSeqErr(err error) bool {
	return pgConstraintIs(err, pgConConvSeq)
}

func (s *PGStore) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func pgConstraintIs(err error, name string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 23505 = unique_violation
	return pgErr.Code == "23505" && pgErr.ConstraintName == name
}
