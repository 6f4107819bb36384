// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and MongoDB document store backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/team4edu/edu-backend-go/internal/model"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound  = errors.New("not found")  // Returned when a document does not exist
	ErrConflict  = errors.New("conflict")   // Returned when a document already exists
	ErrInvalidID = errors.New("invalid id") // Returned when a series or lesson id is not an ObjectID
	ErrCursor    = errors.New("invalid cursor")
)

// Store defines the document store operations required by the education backend.
// Set mutations on users and counter changes on series are single atomic updates
// so concurrent requests cannot lose writes.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user model.User) (*model.User, error)                    // ErrConflict if the id or email exists
	GetUser(ctx context.Context, id string) (*model.User, error)                             // ErrNotFound if absent
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error)   // Returns the updated user
	AddSubscription(ctx context.Context, userID, seriesID string) (bool, error)              // True only if the set changed
	RemoveSubscription(ctx context.Context, userID, seriesID string) (bool, error)           // True only if the set changed
	RemoveSeriesFromAllUsers(ctx context.Context, seriesID string) (int64, error)            // Idempotent scrub, returns users touched

	// Series operations
	CreateSeries(ctx context.Context, series model.Series) (*model.Series, error)                     // Assigns id and timestamps
	GetSeries(ctx context.Context, id string) (*model.Series, error)                                  // ErrInvalidID or ErrNotFound
	GetSeriesByIDs(ctx context.Context, ids []string) ([]model.Series, error)                         // Missing ids are skipped
	ListSeries(ctx context.Context, filter model.SeriesFilter) (*model.SeriesPage, error)             // Newest first
	SearchSeries(ctx context.Context, keyword string) ([]model.Series, error)                          // Published only, best match first
	UpdateSeries(ctx context.Context, id string, patch model.SeriesPatch) (*model.Series, error)      // Bumps updatedAt
	SetSeriesTopic(ctx context.Context, id, topicID string) (bool, error)                             // Only sets an unset topic
	AdjustSubscriberCount(ctx context.Context, id string, delta int64) error                          // Clamped at zero
	AppendLesson(ctx context.Context, seriesID, lessonID string) error
	RemoveLesson(ctx context.Context, seriesID, lessonID string) error
	DeleteSeries(ctx context.Context, id string) error

	// Lesson operations
	CreateLesson(ctx context.Context, lesson model.Lesson) (*model.Lesson, error)
	GetLesson(ctx context.Context, id string) (*model.Lesson, error)
	ListLessons(ctx context.Context, seriesID string) ([]model.Lesson, error) // Creation order
	UpdateLesson(ctx context.Context, id string, patch model.LessonPatch) (*model.Lesson, error)
	DeleteLesson(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ValidID reports whether id has the 24-hex-digit ObjectID shape used for series and lessons.
func ValidID(id string) bool {
	_, err := primitive.ObjectIDFromHex(id)
	return err == nil
}

// NewID returns a fresh ObjectID in hex form.
func NewID() string { return primitive.NewObjectID().Hex() }

// pageLimit clamps a requested page size.
func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return model.DefaultPageSize
	case limit > model.MaxPageSize:
		return model.MaxPageSize
	default:
		return limit
	}
}

// cursorData marks the last series of a page.
type cursorData struct {
	CreatedAt int64  `json:"c"`
	ID        string `json:"i"`
}

// encodeCursor encodes the position after (createdAt, id) as an opaque string.
func encodeCursor(createdAt time.Time, id string) string {
	raw, _ := json.Marshal(cursorData{CreatedAt: createdAt.UnixNano(), ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor reverses encodeCursor.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", ErrCursor
	}
	var data cursorData
	if err := json.Unmarshal(raw, &data); err != nil || data.ID == "" {
		return time.Time{}, "", ErrCursor
	}
	return time.Unix(0, data.CreatedAt).UTC(), data.ID, nil
}
