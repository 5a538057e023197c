package backend

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"PPClient/module/chat/model"
)

var (
	ErrUniqueCID = errors.New("unique client_id violated")
	ErrUniqueSeq = errors.New("unique seq violated")
	ErrUniqueID  = errors.New("unique msg_id violated")
)

// MemStore 内存实现：测试与单进程演示用
type MemStore struct {
	mu      sync.RWMutex
	convs   map[string]struct{}
	minSeq  map[string]int64
	byID    map[string]*model.Message
	byCID   map[string]*model.Message          // sender|cid
	bySeq   map[string]map[int64]*model.Message // conv -> seq -> msg
	writes  map[string]*WriteRecord            // device|cws
	cursors map[string][2]int64                // user|conv -> {delivered, read}
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs:   make(map[string]struct{}),
		minSeq:  make(map[string]int64),
		byID:    make(map[string]*model.Message),
		byCID:   make(map[string]*model.Message),
		bySeq:   make(map[string]map[int64]*model.Message),
		writes:  make(map[string]*WriteRecord),
		cursors: make(map[string][2]int64),
	}
}

func keyCID(sender, cid string) string { return sender + "|" + cid }
func keyWrite(dev string, cws int64) string {
	return dev + "|" + strconv.FormatInt(cws, 10)
}
func keyCursor(user, conv string) string { return user + "|" + conv }

func (s *MemStore) EnsureConversation(_ context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[convID] = struct{}{}
	return nil
}

func (s *MemStore) QueryMaxSeq(_ context.Context, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySeq[convID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *MemStore) QueryMinSeq(_ context.Context, convID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSeq[convID], nil
}

func (s *MemStore) BumpMinSeq(_ context.Context, convID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.minSeq[convID] {
		s.minSeq[convID] = seq
	}
	return nil
}

func (s *MemStore) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return ErrUniqueID
	}
	kcid := keyCID(m.SenderID, m.ClientMsgID)
	if m.ClientMsgID != "" {
		if _, ok := s.byCID[kcid]; ok {
			return ErrUniqueCID
		}
	}
	if _, ok := s.bySeq[m.ConversationID]; !ok {
		s.bySeq[m.ConversationID] = make(map[int64]*model.Message)
	}
	if _, ok := s.bySeq[m.ConversationID][m.Seq]; ok {
		return ErrUniqueSeq
	}

	cp := *m
	s.byID[cp.ID] = &cp
	if cp.ClientMsgID != "" {
		s.byCID[kcid] = &cp
	}
	s.bySeq[cp.ConversationID][cp.Seq] = &cp
	return nil
}

func (s *MemStore) FindByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) FindByClientID(_ context.Context, senderID, clientMsgID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byCID[keyCID(senderID, clientMsgID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) ListSince(_ context.Context, convID string, sinceSeq int64, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for seq, m := range s.bySeq[convID] {
		if seq > sinceSeq {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListLatest(_ context.Context, convID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.bySeq[convID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemStore) FindWrite(_ context.Context, deviceID string, clientWriteSeq int64) (*WriteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.writes[keyWrite(deviceID, clientWriteSeq)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemStore) RecordWrite(_ context.Context, rec *WriteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.writes[keyWrite(rec.DeviceID, rec.ClientWriteSeq)] = &cp
	return nil
}

func (s *MemStore) GetCursor(_ context.Context, userID, convID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cursors[keyCursor(userID, convID)]
	return c[0], c[1], nil
}

func (s *MemStore) PutCursor(_ context.Context, userID, convID string, delivered, read int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[keyCursor(userID, convID)] = [2]int64{delivered, read}
	return nil
}

func (s *MemStore) IsUniqueClientIDErr(err error) bool { return errors.Is(err, ErrUniqueCID) }
func (s *MemStore) IsUniqueSeqErr(err error) bool      { return errors.Is(err, ErrUniqueSeq) }
func (s *MemStore) IsTransientErr(err error) bool      { return false } // 内存版无瞬时错误
