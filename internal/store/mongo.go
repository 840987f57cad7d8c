package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationDocType = 80
	problemDocType      = 10
)

type convDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	DocType   int                `bson:"docType"`
	DomainID  string             `bson:"domainId"`
	UID       int64              `bson:"uid"`
	ProblemID string             `bson:"problemId"`
	Count     int                `bson:"count"`
	Messages  []Message          `bson:"messages"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d *convDoc) conversation() *Conversation {
	return &Conversation{
		ID:        d.ID.Hex(),
		DomainID:  d.DomainID,
		UID:       d.UID,
		ProblemID: d.ProblemID,
		Count:     d.Count,
		Messages:  d.Messages,
		CreatedAt: d.CreatedAt,
	}
}

type problemDoc struct {
	DocType int `bson:"docType"`
	Problem `bson:",inline"`
}

// MongoStore keeps records in the same collections the judge platform uses.
// Mutations rely on single-document atomic operators ($push, $inc, $pop).
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	settings      *mongo.Collection
	problems      *mongo.Collection
	now           func() time.Time
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		conversations: db.Collection("ai_conv"),
		settings:      db.Collection("ai_coach_settings"),
		problems:      db.Collection("document"),
		now:           time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "domainId", Value: 1}, {Key: "uid", Value: 1}, {Key: "problemId", Value: 1}},
		Options: unique,
	}); err != nil {
		return fmt.Errorf("creating ai_conv index: %w", err)
	}
	if _, err := s.settings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "domainId", Value: 1}},
		Options: unique,
	}); err != nil {
		return fmt.Errorf("creating ai_coach_settings index: %w", err)
	}
	return nil
}

func keyFilter(key ConversationKey) bson.M {
	return bson.M{"domainId": key.DomainID, "uid": key.UID, "problemId": key.ProblemID}
}

func (s *MongoStore) findOne(ctx context.Context, filter any) (*Conversation, error) {
	var doc convDoc
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.conversation(), nil
}

// findAndUpdate applies update to the document matching filter and returns
// the post-update record, or (nil, nil) when nothing matched.
func (s *MongoStore) findAndUpdate(ctx context.Context, filter, update any, upsert bool) (*Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(upsert)
	var doc convDoc
	err := s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.conversation(), nil
}

func idFilter(id string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return bson.M{"_id": oid}, nil
}

func (s *MongoStore) FindConversation(ctx context.Context, key ConversationKey) (*Conversation, error) {
	return s.findOne(ctx, keyFilter(key))
}

func (s *MongoStore) CreateConversation(ctx context.Context, key ConversationKey, greeting Message) (*Conversation, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"docType":   conversationDocType,
		"count":     0,
		"messages":  []Message{greeting},
		"createdAt": s.now(),
	}}
	c, err := s.findAndUpdate(ctx, keyFilter(key), update, true)
	if mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race against another writer; theirs wins.
		return s.findOne(ctx, keyFilter(key))
	}
	return c, err
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	filter, err := idFilter(id)
	if err != nil {
		return nil, err
	}
	c, err := s.findOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *MongoStore) updateByID(ctx context.Context, id string, extra bson.M, update bson.M) (*Conversation, error) {
	filter, err := idFilter(id)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		filter[k] = v
	}
	c, err := s.findAndUpdate(ctx, filter, update, false)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, id string, msg Message) (*Conversation, error) {
	return s.updateByID(ctx, id, nil, bson.M{"$push": bson.M{"messages": msg}})
}

func (s *MongoStore) IncrementTurnCount(ctx context.Context, id string) (*Conversation, error) {
	return s.updateByID(ctx, id, nil, bson.M{"$inc": bson.M{"count": 1}})
}

func (s *MongoStore) CommitTurn(ctx context.Context, id string, msg Message, expectedCount int) (*Conversation, error) {
	c, err := s.updateByID(ctx, id, bson.M{"count": expectedCount}, bson.M{
		"$push": bson.M{"messages": msg},
		"$inc":  bson.M{"count": 1},
	})
	if errors.Is(err, ErrNotFound) {
		// Distinguish a moved counter from a missing conversation.
		if _, getErr := s.GetConversation(ctx, id); getErr == nil {
			return nil, ErrCountConflict
		}
	}
	return c, err
}

func (s *MongoStore) TrimTrailing(ctx context.Context, key ConversationKey) (*Conversation, error) {
	filter := keyFilter(key)
	filter["messages.0"] = bson.M{"$exists": true}
	return s.findAndUpdate(ctx, filter, bson.M{"$pop": bson.M{"messages": 1}}, false)
}

func (s *MongoStore) ListConversations(ctx context.Context, domainID string, filter ConversationFilter) iter.Seq2[*Conversation, error] {
	return func(yield func(*Conversation, error) bool) {
		query := bson.M{"domainId": domainID}
		if filter.UID != nil {
			query["uid"] = *filter.UID
		}
		if filter.ProblemID != "" {
			query["problemId"] = filter.ProblemID
		}

		cur, err := s.conversations.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}))
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close(context.Background())

		for cur.Next(ctx) {
			var doc convDoc
			if err := cur.Decode(&doc); err != nil {
				yield(nil, err)
				return
			}
			if !yield(doc.conversation(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *MongoStore) GetSettings(ctx context.Context, domainID string) (*Settings, error) {
	def := DefaultSettings(domainID)
	update := bson.M{"$setOnInsert": bson.M{
		"useAI": def.UseAI,
		"count": def.Count,
		"key":   "",
		"url":   "",
		"model": "",
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)

	var st Settings
	err := s.settings.FindOneAndUpdate(ctx, bson.M{"domainId": domainID}, update, opts).Decode(&st)
	if mongo.IsDuplicateKeyError(err) {
		err = s.settings.FindOne(ctx, bson.M{"domainId": domainID}).Decode(&st)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *MongoStore) SaveSettings(ctx context.Context, domainID string, st Settings) error {
	_, err := s.settings.UpdateOne(ctx,
		bson.M{"domainId": domainID},
		bson.M{"$set": bson.M{
			"useAI": st.UseAI,
			"count": st.Count,
			"key":   st.Key,
			"url":   st.URL,
			"model": st.Model,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetProblem(ctx context.Context, domainID, pid string) (*Problem, error) {
	var doc problemDoc
	err := s.problems.FindOne(ctx, bson.M{"docType": problemDocType, "domainId": domainID, "pid": pid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.Problem, nil
}

func (s *MongoStore) SaveProblem(ctx context.Context, p Problem) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	_, err := s.problems.UpdateOne(ctx,
		bson.M{"docType": problemDocType, "domainId": p.DomainID, "pid": p.PID},
		bson.M{"$set": bson.M{"title": p.Title, "content": p.Content, "updatedAt": p.UpdatedAt}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
