// internal/storage/mongo.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/team4edu/edu-backend-go/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	usersCollection   = "users"
	seriesCollection  = "series"
	lessonsCollection = "lessons"
)

// mongoStore implements Store on MongoDB. Field names follow the layout of the
// existing collections so documents written by earlier deployments still decode.
type mongoStore struct {
	client  *mongo.Client
	users   *mongo.Collection
	series  *mongo.Collection
	lessons *mongo.Collection
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	Gender    string    `bson:"gender,omitempty"`
	Birthdate string    `bson:"birthdate,omitempty"`
	Series    []string  `bson:"serie_subcribe"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type seriesDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Title        string             `bson:"serie_title"`
	Thumbnail    string             `bson:"serie_thumbnail,omitempty"`
	Description  string             `bson:"serie_description,omitempty"`
	Category     string             `bson:"serie_category"`
	User         string             `bson:"serie_user"`
	IsPublish    bool               `bson:"isPublish"`
	Lessons      []string           `bson:"serie_lessons"`
	SubscribeNum int64              `bson:"serie_subcribe_num"`
	SNS          string             `bson:"serie_sns,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

type lessonDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Title       string             `bson:"lesson_title"`
	Video       string             `bson:"lesson_video,omitempty"`
	Documents   []string           `bson:"lesson_documents"`
	Description string             `bson:"lesson_description"`
	Serie       string             `bson:"lesson_serie"`
	IsPublish   bool               `bson:"isPublish"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

// NewMongo connects to MongoDB, verifies the connection and ensures indexes.
// Parameters:
//   - uri: MongoDB connection string
//   - database: database holding the users, series and lessons collections
func NewMongo(ctx context.Context, uri, database string) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &mongoStore{
		client:  client,
		users:   db.Collection(usersCollection),
		series:  db.Collection(seriesCollection),
		lessons: db.Collection(lessonsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

// ensureIndexes creates the indexes the queries rely on. CreateMany is a no-op for
// indexes that already exist with the same definition.
func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.series.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "serie_title", Value: "text"}}, Options: options.Index().SetName("serie_title_text")},
		{Keys: bson.D{{Key: "serie_user", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}},
	}); err != nil {
		return err
	}
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"email": bson.M{"$type": "string", "$gt": ""}}),
	}); err != nil {
		return err
	}
	_, err := s.lessons.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "lesson_serie", Value: 1}},
	})
	return err
}

func (s *mongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- users ---

func (s *mongoStore) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	ts := now()
	doc := userDoc{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Gender:    user.Gender,
		Birthdate: user.Birthdate,
		Series:    nonNil(user.SubscribedSeriesIDs),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error) {
	set := bson.M{"updatedAt": now()}
	if patch.Email != nil {
		set["email"] = *patch.Email
	}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Gender != nil {
		set["gender"] = *patch.Gender
	}
	if patch.Birthdate != nil {
		set["birthdate"] = *patch.Birthdate
	}

	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

// AddSubscription adds seriesID only when it is not already present, so a
// modified count of one means this call changed the set.
func (s *mongoStore) AddSubscription(ctx context.Context, userID, seriesID string) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID, "serie_subcribe": bson.M{"$ne": seriesID}},
		bson.M{
			"$addToSet": bson.M{"serie_subcribe": seriesID},
			"$set":      bson.M{"updatedAt": now()},
		})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	return false, s.userExists(ctx, userID)
}

func (s *mongoStore) RemoveSubscription(ctx context.Context, userID, seriesID string) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID, "serie_subcribe": seriesID},
		bson.M{
			"$pull": bson.M{"serie_subcribe": seriesID},
			"$set":  bson.M{"updatedAt": now()},
		})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	return false, s.userExists(ctx, userID)
}

func (s *mongoStore) userExists(ctx context.Context, userID string) error {
	n, err := s.users.CountDocuments(ctx, bson.M{"_id": userID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) RemoveSeriesFromAllUsers(ctx context.Context, seriesID string) (int64, error) {
	res, err := s.users.UpdateMany(ctx,
		bson.M{"serie_subcribe": seriesID},
		bson.M{"$pull": bson.M{"serie_subcribe": seriesID}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// --- series ---

func (s *mongoStore) CreateSeries(ctx context.Context, series model.Series) (*model.Series, error) {
	ts := now()
	doc := seriesDocFrom(series)
	doc.ID = primitive.NewObjectID()
	doc.CreatedAt, doc.UpdatedAt = ts, ts
	if _, err := s.series.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) GetSeries(ctx context.Context, id string) (*model.Series, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}
	var doc seriesDoc
	if err := s.series.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) GetSeriesByIDs(ctx context.Context, ids []string) ([]model.Series, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return []model.Series{}, nil
	}
	cur, err := s.series.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, err
	}
	return decodeSeries(ctx, cur)
}

func (s *mongoStore) ListSeries(ctx context.Context, filter model.SeriesFilter) (*model.SeriesPage, error) {
	query := bson.M{}
	if filter.Category != "" {
		query["serie_category"] = filter.Category
	}
	if filter.OwnerUserID != "" {
		query["serie_user"] = filter.OwnerUserID
	}
	if filter.Published != nil {
		query["isPublish"] = *filter.Published
	}
	if filter.Cursor != "" {
		at, lastID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		oid, err := primitive.ObjectIDFromHex(lastID)
		if err != nil {
			return nil, ErrCursor
		}
		query["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$lt": at}},
			bson.M{"createdAt": at, "_id": bson.M{"$lt": oid}},
		}
	}

	limit := pageLimit(filter.Limit)
	// Fetch one extra row to learn whether another page exists
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))
	cur, err := s.series.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	items, err := decodeSeries(ctx, cur)
	if err != nil {
		return nil, err
	}

	page := &model.SeriesPage{Series: items}
	if len(items) > limit {
		page.Series = items[:limit]
		last := page.Series[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (s *mongoStore) SearchSeries(ctx context.Context, keyword string) ([]model.Series, error) {
	score := bson.M{"$meta": "textScore"}
	opts := options.Find().
		SetProjection(bson.M{"score": score}).
		SetSort(bson.M{"score": score})
	cur, err := s.series.Find(ctx, bson.M{
		"$text":     bson.M{"$search": keyword},
		"isPublish": true,
	}, opts)
	if err != nil {
		return nil, err
	}
	return decodeSeries(ctx, cur)
}

func (s *mongoStore) UpdateSeries(ctx context.Context, id string, patch model.SeriesPatch) (*model.Series, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}
	set := bson.M{"updatedAt": now()}
	if patch.Title != nil {
		set["serie_title"] = *patch.Title
	}
	if patch.Description != nil {
		set["serie_description"] = *patch.Description
	}
	if patch.Category != nil {
		set["serie_category"] = *patch.Category
	}
	if patch.IsPublished != nil {
		set["isPublish"] = *patch.IsPublished
	}
	if patch.ThumbnailURL != nil {
		set["serie_thumbnail"] = *patch.ThumbnailURL
	}

	var doc seriesDoc
	err = s.series.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

// SetSeriesTopic matches only documents without a topic, which makes the
// assignment a one-time transition even under concurrent calls.
func (s *mongoStore) SetSeriesTopic(ctx context.Context, id, topicID string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, ErrInvalidID
	}
	res, err := s.series.UpdateOne(ctx,
		bson.M{"_id": oid, "$or": bson.A{
			bson.M{"serie_sns": bson.M{"$exists": false}},
			bson.M{"serie_sns": nil},
			bson.M{"serie_sns": ""},
		}},
		bson.M{"$set": bson.M{"serie_sns": topicID, "updatedAt": now()}})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	if _, err := s.GetSeries(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AdjustSubscriberCount applies delta in a single pipeline update that floors the result at zero.
func (s *mongoStore) AdjustSubscriberCount(ctx context.Context, id string, delta int64) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}
	current := bson.M{"$ifNull": bson.A{"$serie_subcribe_num", 0}}
	pipeline := []bson.M{{
		"$set": bson.M{
			"serie_subcribe_num": bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{current, delta}}}},
		},
	}}
	res, err := s.series.UpdateOne(ctx, bson.M{"_id": oid}, pipeline)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) AppendLesson(ctx context.Context, seriesID, lessonID string) error {
	return s.updateSeriesMatched(ctx, seriesID, bson.M{
		"$addToSet": bson.M{"serie_lessons": lessonID},
		"$set":      bson.M{"updatedAt": now()},
	})
}

func (s *mongoStore) RemoveLesson(ctx context.Context, seriesID, lessonID string) error {
	return s.updateSeriesMatched(ctx, seriesID, bson.M{
		"$pull": bson.M{"serie_lessons": lessonID},
		"$set":  bson.M{"updatedAt": now()},
	})
}

func (s *mongoStore) updateSeriesMatched(ctx context.Context, id string, update bson.M) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}
	res, err := s.series.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) DeleteSeries(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}
	res, err := s.series.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- lessons ---

func (s *mongoStore) CreateLesson(ctx context.Context, lesson model.Lesson) (*model.Lesson, error) {
	ts := now()
	doc := lessonDoc{
		ID:          primitive.NewObjectID(),
		Title:       lesson.Title,
		Video:       lesson.VideoURL,
		Documents:   nonNil(lesson.DocumentURLs),
		Description: lesson.Description,
		Serie:       lesson.SeriesID,
		IsPublish:   lesson.IsPublished,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if _, err := s.lessons.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) GetLesson(ctx context.Context, id string) (*model.Lesson, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}
	var doc lessonDoc
	if err := s.lessons.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) ListLessons(ctx context.Context, seriesID string) ([]model.Lesson, error) {
	cur, err := s.lessons.Find(ctx, bson.M{"lesson_serie": seriesID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]model.Lesson, 0)
	for cur.Next(ctx) {
		var doc lessonDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (s *mongoStore) UpdateLesson(ctx context.Context, id string, patch model.LessonPatch) (*model.Lesson, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidID
	}
	set := bson.M{"updatedAt": now()}
	if patch.Title != nil {
		set["lesson_title"] = *patch.Title
	}
	if patch.Description != nil {
		set["lesson_description"] = *patch.Description
	}
	if patch.IsPublished != nil {
		set["isPublish"] = *patch.IsPublished
	}
	if patch.VideoURL != nil {
		set["lesson_video"] = *patch.VideoURL
	}
	if patch.DocumentURLs != nil {
		set["lesson_documents"] = nonNil(*patch.DocumentURLs)
	}

	var doc lessonDoc
	err = s.lessons.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return nil, notFound(err)
	}
	out := doc.toModel()
	return &out, nil
}

func (s *mongoStore) DeleteLesson(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}
	res, err := s.lessons.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- conversions ---

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func decodeSeries(ctx context.Context, cur *mongo.Cursor) ([]model.Series, error) {
	defer cur.Close(ctx)

	out := make([]model.Series, 0)
	for cur.Next(ctx) {
		var doc seriesDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (d userDoc) toModel() model.User {
	return model.User{
		ID:                  d.ID,
		Email:               d.Email,
		Name:                d.Name,
		Gender:              d.Gender,
		Birthdate:           d.Birthdate,
		SubscribedSeriesIDs: nonNil(d.Series),
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
}

func seriesDocFrom(s model.Series) seriesDoc {
	return seriesDoc{
		Title:        s.Title,
		Thumbnail:    s.ThumbnailURL,
		Description:  s.Description,
		Category:     s.Category,
		User:         s.OwnerUserID,
		IsPublish:    s.IsPublished,
		Lessons:      nonNil(s.LessonIDs),
		SubscribeNum: s.SubscriberCount,
		SNS:          s.NotificationTopicID,
	}
}

func (d seriesDoc) toModel() model.Series {
	return model.Series{
		ID:                  d.ID.Hex(),
		Title:               d.Title,
		ThumbnailURL:        d.Thumbnail,
		Description:         d.Description,
		Category:            d.Category,
		OwnerUserID:         d.User,
		IsPublished:         d.IsPublish,
		LessonIDs:           nonNil(d.Lessons),
		SubscriberCount:     d.SubscribeNum,
		NotificationTopicID: d.SNS,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
}

func (d lessonDoc) toModel() model.Lesson {
	return model.Lesson{
		ID:           d.ID.Hex(),
		Title:        d.Title,
		VideoURL:     d.Video,
		DocumentURLs: nonNil(d.Documents),
		Description:  d.Description,
		SeriesID:     d.Serie,
		IsPublished:  d.IsPublish,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}
