package mongo

import (
	"context"
	"time"

	"ChatRelay/model"
	"ChatRelay/store"
	"ChatRelay/tools/ids"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store is the MongoDB-backed durable store. Delivery markers are
// written with filtered set-once updates so concurrent callers race
// inside a single atomic UpdateOne instead of in application code.
type Store struct {
	MsgColl      *mongo.Collection
	ConvColl     *mongo.Collection
	FriendColl   *mongo.Collection
	ReactionColl *mongo.Collection
}

type Config struct {
	URI      string
	Database string
}

func Dial(ctx context.Context, cfg Config) (*Store, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}
	db := cli.Database(cfg.Database)
	return &Store{
		MsgColl:      db.Collection("message"),
		ConvColl:     db.Collection("conversation"),
		FriendColl:   db.Collection("friendship"),
		ReactionColl: db.Collection("reaction"),
	}, nil
}

// nextSeq bumps and returns the conversation's max_seq. The counter
// lives on the conversation document (one $inc, no extra collection).
func (s *Store) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	var conv model.Conversation
	err := s.ConvColl.FindOneAndUpdate(ctx,
		bson.M{model.ConversationFieldID: conversationID},
		bson.M{"$inc": bson.M{model.ConversationFieldMaxSeq: int64(1)},
			"$set": bson.M{"updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "next seq")
	}
	return conv.MaxSeq, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	seq, err := s.nextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	msg.Seq = seq
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := s.MsgColl.InsertOne(ctx, msg); err != nil {
		return errors.Wrap(err, "insert message")
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.MsgColl.FindOne(ctx, bson.M{model.MessageFieldID: messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find message")
	}
	return &m, nil
}

func (s *Store) GetUnreadMessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]*model.Message, error) {
	cur, err := s.MsgColl.Find(ctx, bson.M{
		model.MessageFieldConversationID: conversationID,
		model.MessageFieldSeq:            bson.M{"$gt": since},
		model.MessageFieldDeleted:        false,
	}, options.Find().SetSort(bson.M{model.MessageFieldSeq: 1}))
	if err != nil {
		return nil, errors.Wrap(err, "find unread")
	}
	return decodeMessages(ctx, cur)
}

func (s *Store) GetUndeliveredMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	convIDs, err := s.GetConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(convIDs) == 0 {
		return nil, nil
	}
	cur, err := s.MsgColl.Find(ctx, bson.M{
		model.MessageFieldConversationID: bson.M{"$in": convIDs},
		model.MessageFieldSenderID:       bson.M{"$ne": userID},
		model.MessageFieldDeliveredAt:    nil,
		model.MessageFieldDeleted:        false,
	}, options.Find().SetSort(bson.M{model.MessageFieldSeq: 1}))
	if err != nil {
		return nil, errors.Wrap(err, "find undelivered")
	}
	return decodeMessages(ctx, cur)
}

func (s *Store) SetDeliveredAt(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{
			model.MessageFieldID:          messageID,
			model.MessageFieldDeliveredAt: nil,
			model.MessageFieldDeleted:     false,
		},
		bson.M{"$set": bson.M{model.MessageFieldDeliveredAt: at}},
	)
	if err != nil {
		return false, errors.Wrap(err, "set delivered_at")
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) SetReadMarker(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{
			model.MessageFieldID:      messageID,
			model.MessageFieldDeleted: false,
			"read_by.user_id":         bson.M{"$ne": userID},
		},
		bson.M{"$push": bson.M{model.MessageFieldReadBy: model.ReadMarker{UserID: userID, ReadAt: at}}},
	)
	if err != nil {
		return false, errors.Wrap(err, "set read marker")
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) SetEdited(ctx context.Context, messageID, content string, at time.Time) error {
	_, err := s.MsgColl.UpdateOne(ctx,
		bson.M{model.MessageFieldID: messageID, model.MessageFieldDeleted: false},
		bson.M{"$set": bson.M{"content": content, "edited_at": at}},
	)
	return errors.Wrap(err, "set edited")
}

func (s *Store) SetDeleted(ctx context.Context, messageID string) error {
	_, err := s.MsgColl.UpdateOne(ctx,
		bson.M{model.MessageFieldID: messageID},
		bson.M{"$set": bson.M{model.MessageFieldDeleted: true}},
	)
	return errors.Wrap(err, "set deleted")
}

func (s *Store) AddReaction(ctx context.Context, r *model.Reaction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.ReactionColl.UpdateOne(ctx,
		bson.M{model.MessageFieldID: r.MessageID, "user_id": r.UserID, "emoji": r.Emoji},
		bson.M{"$setOnInsert": r},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "add reaction")
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.ReactionColl.DeleteOne(ctx,
		bson.M{model.MessageFieldID: messageID, "user_id": userID, "emoji": emoji})
	return errors.Wrap(err, "remove reaction")
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.ConvColl.FindOne(ctx, bson.M{model.ConversationFieldID: conversationID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find conversation")
	}
	return &c, nil
}

func (s *Store) GetConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.Members, nil
}

func (s *Store) GetConversationIDs(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.ConvColl.Find(ctx,
		bson.M{model.ConversationFieldMembers: userID},
		options.Find().SetProjection(bson.M{model.ConversationFieldID: 1}))
	if err != nil {
		return nil, errors.Wrap(err, "find conversations")
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []string
	for cur.Next(ctx) {
		var c model.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, errors.Wrap(err, "decode conversation")
		}
		out = append(out, c.ID)
	}
	return out, cur.Err()
}

func (s *Store) GetFriends(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.FriendColl.Find(ctx, bson.M{
		"status": model.FriendshipStatusAccepted,
		"$or": bson.A{
			bson.M{"user_id": userID},
			bson.M{"friend_id": userID},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "find friends")
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []string
	for cur.Next(ctx) {
		var f model.Friendship
		if err := cur.Decode(&f); err != nil {
			return nil, errors.Wrap(err, "decode friendship")
		}
		if f.UserID == userID {
			out = append(out, f.FriendID)
		} else {
			out = append(out, f.UserID)
		}
	}
	return out, cur.Err()
}

func decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]*model.Message, error) {
	defer func() { _ = cur.Close(ctx) }()
	var out []*model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}
