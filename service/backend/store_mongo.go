package backend

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PPClient/module/chat/model"
)

// 集合与唯一索引名；冲突分类靠索引名回查
const (
	collMessage = "message"
	collWrite   = "write_record"
	collCursor  = "conversation_cursor"
	collSeq     = "seq_conversation"

	idxMsgID     = "uk_msg_id"
	idxSenderCID = "uk_sender_cid"
	idxConvSeq   = "uk_conv_seq"
)

// MongoStore 生产存储实现
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore { return &MongoStore{db: db} }

type mongoMessage struct {
	ID             string `bson:"msg_id"`
	ClientMsgID    string `bson:"client_msg_id,omitempty"`
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	Content        string `bson:"content"`
	Seq            int64  `bson:"seq"`
	CreatedAtMS    int64  `bson:"created_at_ms"`
}

func toMongo(m *model.Message) *mongoMessage {
	return &mongoMessage{
		ID: m.ID, ClientMsgID: m.ClientMsgID, ConversationID: m.ConversationID,
		SenderID: m.SenderID, Content: m.Content, Seq: m.Seq, CreatedAtMS: m.CreatedAtMS,
	}
}

func fromMongo(m *mongoMessage) *model.Message {
	return &model.Message{
		ID: m.ID, ClientMsgID: m.ClientMsgID, ConversationID: m.ConversationID,
		SenderID: m.SenderID, Content: m.Content, Seq: m.Seq, CreatedAtMS: m.CreatedAtMS,
	}
}

// EnsureIndexes 建唯一索引；幂等，启动时调用
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	msg := s.db.Collection(collMessage)
	_, err := msg.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxMsgID)},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxSenderCID).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$gt": ""}})},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idxConvSeq)},
	})
	if err != nil {
		return err
	}
	wr := s.db.Collection(collWrite)
	_, err = wr.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "client_write_seq", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uk_device_cws"),
	})
	return err
}

func (s *MongoStore) EnsureConversation(ctx context.Context, convID string) error {
	_, err := s.db.Collection(collSeq).UpdateOne(ctx,
		bson.M{"conversation_id": convID},
		bson.M{"$setOnInsert": bson.M{
			"min_seq":     int64(0),
			"max_seq":     int64(0),
			"update_time": time.Now().UnixMilli(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) QueryMaxSeq(ctx context.Context, convID string) (int64, error) {
	cur, err := s.db.Collection(collMessage).Find(ctx,
		bson.M{"conversation_id": convID},
		options.Find().SetSort(bson.M{"seq": -1}).SetLimit(1))
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close(ctx) }()
	if cur.Next(ctx) {
		var m mongoMessage
		if err := cur.Decode(&m); err != nil {
			return 0, err
		}
		return m.Seq, nil
	}
	return 0, nil
}

func (s *MongoStore) QueryMinSeq(ctx context.Context, convID string) (int64, error) {
	var doc struct {
		MinSeq int64 `bson:"min_seq"`
	}
	err := s.db.Collection(collSeq).FindOne(ctx, bson.M{"conversation_id": convID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.MinSeq, nil
}

func (s *MongoStore) BumpMinSeq(ctx context.Context, convID string, seq int64) error {
	_, err := s.db.Collection(collSeq).UpdateOne(ctx,
		bson.M{"conversation_id": convID},
		bson.M{"$max": bson.M{"min_seq": seq},
			"$set": bson.M{"update_time": time.Now().UnixMilli()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := s.db.Collection(collMessage).InsertOne(ctx, toMongo(m))
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collSeq).UpdateOne(ctx,
		bson.M{"conversation_id": m.ConversationID},
		bson.M{"$max": bson.M{"max_seq": m.Seq},
			"$set": bson.M{"update_time": time.Now().UnixMilli()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var m mongoMessage
	err := s.db.Collection(collMessage).FindOne(ctx, bson.M{"msg_id": id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromMongo(&m), nil
}

func (s *MongoStore) FindByClientID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error) {
	var m mongoMessage
	err := s.db.Collection(collMessage).FindOne(ctx,
		bson.M{"sender_id": senderID, "client_msg_id": clientMsgID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromMongo(&m), nil
}

func (s *MongoStore) ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*model.Message, error) {
	cur, err := s.db.Collection(collMessage).Find(ctx,
		bson.M{"conversation_id": convID, "seq": bson.M{"$gt": sinceSeq}},
		options.Find().SetSort(bson.M{"seq": 1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*model.Message
	for cur.Next(ctx) {
		var m mongoMessage
		if err := cur.Decode(&m); err != nil {
			continue // 坏行跳过
		}
		out = append(out, fromMongo(&m))
	}
	return out, cur.Err()
}

func (s *MongoStore) ListLatest(ctx context.Context, convID string, limit int) ([]*model.Message, error) {
	cur, err := s.db.Collection(collMessage).Find(ctx,
		bson.M{"conversation_id": convID},
		options.Find().SetSort(bson.M{"seq": -1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*model.Message
	for cur.Next(ctx) {
		var m mongoMessage
		if err := cur.Decode(&m); err != nil {
			continue
		}
		out = append(out, fromMongo(&m))
	}
	// 倒查正排
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, cur.Err()
}

func (s *MongoStore) FindWrite(ctx context.Context, deviceID string, clientWriteSeq int64) (*WriteRecord, error) {
	var rec WriteRecord
	err := s.db.Collection(collWrite).FindOne(ctx,
		bson.M{"device_id": deviceID, "client_write_seq": clientWriteSeq}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) RecordWrite(ctx context.Context, rec *WriteRecord) error {
	_, err := s.db.Collection(collWrite).UpdateOne(ctx,
		bson.M{"device_id": rec.DeviceID, "client_write_seq": rec.ClientWriteSeq},
		bson.M{"$setOnInsert": rec},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetCursor(ctx context.Context, userID, convID string) (int64, int64, error) {
	var doc struct {
		Delivered int64 `bson:"delivered_up_to_seq"`
		Read      int64 `bson:"read_up_to_seq"`
	}
	err := s.db.Collection(collCursor).FindOne(ctx,
		bson.M{"user_id": userID, "conversation_id": convID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return doc.Delivered, doc.Read, nil
}

func (s *MongoStore) PutCursor(ctx context.Context, userID, convID string, delivered, read int64) error {
	_, err := s.db.Collection(collCursor).UpdateOne(ctx,
		bson.M{"user_id": userID, "conversation_id": convID},
		bson.M{"$max": bson.M{
			"delivered_up_to_seq": delivered,
			"read_up_to_seq":      read,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) IsUniqueClientIDErr(err error) bool {
	return isDupOn(err, idxSenderCID)
}

func (s *MongoStore) IsUniqueSeqErr(err error) bool {
	return isDupOn(err, idxConvSeq)
}

func (s *MongoStore) IsTransientErr(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

func isDupOn(err error, index string) bool {
	if err == nil || !mongo.IsDuplicateKeyError(err) {
		return false
	}
	return strings.Contains(err.Error(), index)
}
