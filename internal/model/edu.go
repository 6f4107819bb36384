// internal/model/edu.go
// Package model defines the data structures used throughout the education backend.
// These structures represent users, series, lessons and the results of subscription flows.
package model

import (
	"time"
)

// User is a learner or author. The id is the identity provider's subject claim.
type User struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	Gender              string    `json:"gender,omitempty"`
	Birthdate           string    `json:"birthdate,omitempty"` // YYYY-MM-DD as entered by the user
	SubscribedSeriesIDs []string  `json:"subscribedSeriesIds"` // Set semantics, order not significant
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// IsSubscribed reports whether seriesID is in the user's subscription set.
func (u User) IsSubscribed(seriesID string) bool {
	for _, id := range u.SubscribedSeriesIDs {
		if id == seriesID {
			return true
		}
	}
	return false
}

// Series is an ordered collection of lessons owned by one user.
type Series struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	ThumbnailURL        string    `json:"thumbnailUrl,omitempty"`
	Description         string    `json:"description,omitempty"`
	Category            string    `json:"category"`
	OwnerUserID         string    `json:"ownerUserId"`
	IsPublished         bool      `json:"isPublished"`
	LessonIDs           []string  `json:"lessonIds"`
	SubscriberCount     int64     `json:"subscriberCount"`
	NotificationTopicID string    `json:"notificationTopicId,omitempty"` // Set once after creation
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Notifiable reports whether the series has a notification topic attached.
func (s Series) Notifiable() bool { return s.NotificationTopicID != "" }

// Lesson belongs to exactly one series.
type Lesson struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	VideoURL     string    `json:"videoUrl,omitempty"`
	DocumentURLs []string  `json:"documentUrls"`
	Description  string    `json:"description"`
	SeriesID     string    `json:"seriesId"`
	IsPublished  bool      `json:"isPublished"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SeriesInput is the caller-supplied part of a new series.
type SeriesInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Category    string `json:"category" validate:"required,max=100"`
	IsPublished bool   `json:"isPublished"`
}

// SeriesPatch lists the series fields an update may change. Nil means untouched.
// The notification topic and subscriber count are not patchable.
type SeriesPatch struct {
	Title        *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description  *string `json:"description,omitempty" validate:"omitempty,max=5000"`
	Category     *string `json:"category,omitempty" validate:"omitempty,min=1,max=100"`
	IsPublished  *bool   `json:"isPublished,omitempty"`
	ThumbnailURL *string `json:"-"`
}

// Empty reports whether the patch changes nothing.
func (p SeriesPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil && p.IsPublished == nil && p.ThumbnailURL == nil
}

// SeriesFilter narrows a series listing. Zero values match everything.
type SeriesFilter struct {
	Category    string
	OwnerUserID string
	Published   *bool
	Limit       int    // Page size, defaults to DefaultPageSize
	Cursor      string // Opaque cursor from a previous page
}

// Page size bounds for series listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// SeriesPage is one page of a series listing.
type SeriesPage struct {
	Series     []Series `json:"series"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// LessonInput is the caller-supplied part of a new lesson.
type LessonInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=10000"`
	IsPublished bool   `json:"isPublished"`
}

// LessonPatch lists the lesson fields an update may change.
type LessonPatch struct {
	Title        *string   `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description  *string   `json:"description,omitempty" validate:"omitempty,max=10000"`
	IsPublished  *bool     `json:"isPublished,omitempty"`
	VideoURL     *string   `json:"-"`
	DocumentURLs *[]string `json:"-"`
}

// UserInput is the profile data supplied when a user registers.
type UserInput struct {
	Name      string `json:"name" validate:"required,max=100"`
	Gender    string `json:"gender" validate:"omitempty,oneof=male female other"`
	Birthdate string `json:"birthdate" validate:"omitempty,datetime=2006-01-02"`
}

// UserPatch lists the profile fields a user may change about themself.
type UserPatch struct {
	Email     *string `json:"email,omitempty" validate:"omitempty,email"`
	Name      *string `json:"name,omitempty" validate:"omitempty,max=100"`
	Gender    *string `json:"gender,omitempty" validate:"omitempty,oneof=male female other"`
	Birthdate *string `json:"birthdate,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// SubscribeResult reports the outcome of a subscribe request.
type SubscribeResult struct {
	SeriesID          string `json:"seriesId"`
	UserID            string `json:"userId"`
	AlreadySubscribed bool   `json:"alreadySubscribed"`
	Message           string `json:"message"`
}

// UnsubscribeResult reports the outcome of an unsubscribe request.
type UnsubscribeResult struct {
	SeriesID            string `json:"seriesId"`
	UserID              string `json:"userId"`
	NotSubscribed       bool   `json:"notSubscribed,omitempty"`
	PendingConfirmation bool   `json:"pendingConfirmation,omitempty"`
	Message             string `json:"message"`
}

// SubscriptionList is the set of series a user follows. Empty is set instead of
// returning a bare empty slice so clients can show a dedicated message.
type SubscriptionList struct {
	Series  []Series `json:"series"`
	Empty   bool     `json:"empty"`
	Message string   `json:"message,omitempty"`
}

// DeleteSeriesResult reports whether a series was removed.
type DeleteSeriesResult struct {
	Deleted bool   `json:"deleted"`
	Warning string `json:"warning,omitempty"`
}
