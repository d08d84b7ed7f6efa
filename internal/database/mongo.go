package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/caresync-rtc/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const chatCollection = "chats"

// chatDocument mirrors the layout of the chats collection used by the rest of
// the hospital system.
type chatDocument struct {
	Id        primitive.ObjectID `bson:"_id"`
	PatientId primitive.ObjectID `bson:"patientId"`
	DoctorId  primitive.ObjectID `bson:"doctorId"`
	Message   string             `bson:"message"`
	Sender    string             `bson:"sender"`
	Timestamp time.Time          `bson:"timestamp"`
	Read      bool               `bson:"read"`
}

func (d chatDocument) toMessage() types.Message {
	return types.Message{
		Id:        d.Id.Hex(),
		PatientId: d.PatientId.Hex(),
		DoctorId:  d.DoctorId.Hex(),
		Body:      d.Message,
		Sender:    types.Sender(d.Sender),
		CreatedAt: d.Timestamp.UTC(),
		Read:      d.Read,
	}
}

type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type MongoConnection struct {
	URI           string
	Database      string
	RetryCount    int
	RetryInterval time.Duration
}

// NewMongoStore connects to MongoDB, retrying as configured, and makes sure
// the conversation index exists.
func NewMongoStore(ctx context.Context, c MongoConnection) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(c.URI)

	var (
		client *mongo.Client
		err    error
	)

	for i := 0; i <= c.RetryCount; i++ {
		client, err = mongo.Connect(ctx, clientOpts)
		if err == nil {
			if err = client.Ping(ctx, readpref.Primary()); err == nil {
				break
			}
			client.Disconnect(ctx)
		}

		if i < c.RetryCount {
			time.Sleep(c.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb after %d retries: %w", c.RetryCount, err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(c.Database).Collection(chatCollection),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "doctorId", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "sender", Value: 1}, {Key: "read", Value: 1}}},
		{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "sender", Value: 1}, {Key: "read", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateMessage(ctx context.Context, msg types.Message) error {
	doc, err := newChatDocument(msg)
	if err != nil {
		return err
	}

	_, err = s.coll.InsertOne(ctx, doc)
	return err
}

func newChatDocument(msg types.Message) (chatDocument, error) {
	id, err := primitive.ObjectIDFromHex(msg.Id)
	if err != nil {
		return chatDocument{}, fmt.Errorf("message id: %w", err)
	}
	patientId, err := primitive.ObjectIDFromHex(msg.PatientId)
	if err != nil {
		return chatDocument{}, fmt.Errorf("patient id: %w", err)
	}
	doctorId, err := primitive.ObjectIDFromHex(msg.DoctorId)
	if err != nil {
		return chatDocument{}, fmt.Errorf("doctor id: %w", err)
	}

	return chatDocument{
		Id:        id,
		PatientId: patientId,
		DoctorId:  doctorId,
		Message:   msg.Body,
		Sender:    string(msg.Sender),
		Timestamp: msg.CreatedAt,
		Read:      msg.Read,
	}, nil
}

func (s *MongoStore) ListConversation(ctx context.Context, userId, counterpartId string, page Page) ([]types.Message, error) {
	a, errA := primitive.ObjectIDFromHex(userId)
	b, errB := primitive.ObjectIDFromHex(counterpartId)
	if err := errors.Join(errA, errB); err != nil {
		return nil, fmt.Errorf("conversation ids: %w", err)
	}

	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "patientId", Value: a}, {Key: "doctorId", Value: b}},
		bson.D{{Key: "patientId", Value: b}, {Key: "doctorId", Value: a}},
	}}}

	if page.After != nil {
		afterId, err := primitive.ObjectIDFromHex(page.After.Id)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		filter = bson.D{{Key: "$and", Value: bson.A{
			filter,
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "timestamp", Value: bson.D{{Key: "$gt", Value: page.After.CreatedAt}}}},
				bson.D{{Key: "timestamp", Value: page.After.CreatedAt}, {Key: "_id", Value: bson.D{{Key: "$gt", Value: afterId}}}},
			}}},
		}}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	if page.Limit > 0 {
		opts.SetLimit(int64(page.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []chatDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]types.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.toMessage())
	}

	return messages, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return nil, err
	}

	viewer, err := primitive.ObjectIDFromHex(viewerId)
	if err != nil {
		return nil, fmt.Errorf("viewer id: %w", err)
	}

	own, other := "patientId", "doctorId"
	if viewerRole == types.RoleDoctor {
		own, other = other, own
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: own, Value: viewer},
			{Key: "sender", Value: string(sender)},
			{Key: "read", Value: false},
		}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + other},
			{Key: "unreadCount", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var results []struct {
		CounterpartId primitive.ObjectID `bson:"_id"`
		UnreadCount   int64              `bson:"unreadCount"`
	}
	if err := cur.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}

	counts := make(types.UnreadCounts, len(results))
	for _, r := range results {
		counts[r.CounterpartId.Hex()] = r.UnreadCount
	}

	return counts, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return 0, err
	}

	viewer, errA := primitive.ObjectIDFromHex(viewerId)
	counterpart, errB := primitive.ObjectIDFromHex(counterpartId)
	if err := errors.Join(errA, errB); err != nil {
		return 0, fmt.Errorf("conversation ids: %w", err)
	}

	own, other := "patientId", "doctorId"
	if viewerRole == types.RoleDoctor {
		own, other = other, own
	}

	res, err := s.coll.UpdateMany(ctx,
		bson.D{
			{Key: own, Value: viewer},
			{Key: other, Value: counterpart},
			{Key: "sender", Value: string(sender)},
			{Key: "read", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "read", Value: true}}}},
	)
	if err != nil {
		return 0, err
	}

	return res.ModifiedCount, nil
}
