package identity

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"PPClient/tools/ids"

	"github.com/google/uuid"
)

// Store 设备身份与写序号的本地持久层（sqlite）。
// device_id 安装期内稳定；write_seq 按 user 严格递增，进程重启不回退。
// 首次播种用雪花值（毫秒单调），即使本地文件被清掉，新序号也大于历史值。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS device_identity (
	k  TEXT PRIMARY KEY,
	v  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS write_seq (
	user_id TEXT PRIMARY KEY,
	seq     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ack_watermark (
	conversation_id TEXT PRIMARY KEY,
	seq             INTEGER NOT NULL
);
`

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetOrCreateDeviceID 幂等；首次生成后持久化
func (s *Store) GetOrCreateDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v string
	err := s.db.QueryRow(`SELECT v FROM device_identity WHERE k = 'device_id'`).Scan(&v)
	if err == nil {
		return v, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	v = uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO device_identity(k, v) VALUES('device_id', ?)`, v); err != nil {
		return "", err
	}
	return v, nil
}

// NextWriteSeq 返回严格大于该 user 在本设备上所有历史返回值的序号。
// 幂等键的一半；另一半是 client_msg_id。
func (s *Store) NextWriteSeq(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	err = tx.QueryRow(`SELECT seq FROM write_seq WHERE user_id = ?`, userID).Scan(&cur)
	var next int64
	switch {
	case err == sql.ErrNoRows:
		next = ids.Generate() // 播种：时间推导，永不回退
		if _, err := tx.Exec(`INSERT INTO write_seq(user_id, seq) VALUES(?, ?)`, userID, next); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		next = cur + 1
		if _, err := tx.Exec(`UPDATE write_seq SET seq = ? WHERE user_id = ?`, next, userID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// AckWatermark 读去抖高水位（可选持久化，重启后不重复回执）
func (s *Store) AckWatermark(convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.QueryRow(`SELECT seq FROM ack_watermark WHERE conversation_id = ?`, convID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SaveAckWatermark 只升不降
func (s *Store) SaveAckWatermark(convID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO ack_watermark(conversation_id, seq) VALUES(?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET seq = MAX(seq, excluded.seq)`, convID, seq)
	return err
}
