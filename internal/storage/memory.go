// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/team4edu/edu-backend-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex             // Protects concurrent access to maps
	users   map[string]*model.User   // Map of user id to user
	series  map[string]*model.Series // Map of series id to series
	lessons map[string]*model.Lesson // Map of lesson id to lesson
	order   []string                 // Lesson ids in insertion order
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		users:   make(map[string]*model.User),
		series:  make(map[string]*model.Series),
		lessons: make(map[string]*model.Lesson),
	}
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func (m *memory) Ping(ctx context.Context) error  { return nil }
func (m *memory) Close(ctx context.Context) error { return nil }

// --- users ---

func (m *memory) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return nil, ErrConflict
	}
	if m.emailTaken(user.Email, user.ID) {
		return nil, ErrConflict
	}

	ts := now()
	user.CreatedAt, user.UpdatedAt = ts, ts
	if user.SubscribedSeriesIDs == nil {
		user.SubscribedSeriesIDs = []string{}
	}
	stored := cloneUser(user)
	m.users[user.ID] = &stored
	out := cloneUser(stored)
	return &out, nil
}

func (m *memory) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := cloneUser(*u)
	return &out, nil
}

func (m *memory) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	if patch.Email != nil {
		if m.emailTaken(*patch.Email, id) {
			return nil, ErrConflict
		}
		u.Email = *patch.Email
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Gender != nil {
		u.Gender = *patch.Gender
	}
	if patch.Birthdate != nil {
		u.Birthdate = *patch.Birthdate
	}
	u.UpdatedAt = now()
	out := cloneUser(*u)
	return &out, nil
}

// emailTaken must be called with m.mu held.
func (m *memory) emailTaken(email, exceptID string) bool {
	if email == "" {
		return false
	}
	for id, u := range m.users {
		if id != exceptID && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

func (m *memory) AddSubscription(ctx context.Context, userID, seriesID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[userID]
	if !exists {
		return false, ErrNotFound
	}
	if u.IsSubscribed(seriesID) {
		return false, nil
	}
	u.SubscribedSeriesIDs = append(u.SubscribedSeriesIDs, seriesID)
	u.UpdatedAt = now()
	return true, nil
}

func (m *memory) RemoveSubscription(ctx context.Context, userID, seriesID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, exists := m.users[userID]
	if !exists {
		return false, ErrNotFound
	}
	var removed bool
	u.SubscribedSeriesIDs, removed = without(u.SubscribedSeriesIDs, seriesID)
	if removed {
		u.UpdatedAt = now()
	}
	return removed, nil
}

func (m *memory) RemoveSeriesFromAllUsers(ctx context.Context, seriesID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var touched int64
	for _, u := range m.users {
		var removed bool
		if u.SubscribedSeriesIDs, removed = without(u.SubscribedSeriesIDs, seriesID); removed {
			touched++
		}
	}
	return touched, nil
}

// --- series ---

func (m *memory) CreateSeries(ctx context.Context, series model.Series) (*model.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	series.ID = NewID()
	series.CreatedAt, series.UpdatedAt = ts, ts
	if series.LessonIDs == nil {
		series.LessonIDs = []string{}
	}
	stored := cloneSeries(series)
	m.series[series.ID] = &stored
	out := cloneSeries(stored)
	return &out, nil
}

// lookupSeries must be called with m.mu held.
func (m *memory) lookupSeries(id string) (*model.Series, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	s, exists := m.series[id]
	if !exists {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *memory) GetSeries(ctx context.Context, id string) (*model.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.lookupSeries(id)
	if err != nil {
		return nil, err
	}
	out := cloneSeries(*s)
	return &out, nil
}

func (m *memory) GetSeriesByIDs(ctx context.Context, ids []string) ([]model.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Series, 0, len(ids))
	for _, id := range ids {
		if s, exists := m.series[id]; exists {
			out = append(out, cloneSeries(*s))
		}
	}
	return out, nil
}

func (m *memory) ListSeries(ctx context.Context, filter model.SeriesFilter) (*model.SeriesPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*model.Series, 0)
	for _, s := range m.series {
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		if filter.OwnerUserID != "" && s.OwnerUserID != filter.OwnerUserID {
			continue
		}
		if filter.Published != nil && s.IsPublished != *filter.Published {
			continue
		}
		matched = append(matched, s)
	}
	// Newest first, id breaks ties so pages are stable
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start := 0
	if filter.Cursor != "" {
		at, lastID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		start = len(matched)
		for i, s := range matched {
			if s.CreatedAt.Before(at) || (s.CreatedAt.Equal(at) && s.ID < lastID) {
				start = i
				break
			}
		}
	}

	limit := pageLimit(filter.Limit)
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := &model.SeriesPage{Series: make([]model.Series, 0, end-start)}
	for _, s := range matched[start:end] {
		page.Series = append(page.Series, cloneSeries(*s))
	}
	if end < len(matched) {
		last := matched[end-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (m *memory) SearchSeries(ctx context.Context, keyword string) ([]model.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(keyword))
	type hit struct {
		s     *model.Series
		score int
	}
	var hits []hit
	for _, s := range m.series {
		if !s.IsPublished {
			continue
		}
		title := strings.ToLower(s.Title)
		score := 0
		for _, term := range terms {
			if strings.Contains(title, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{s: s, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].s.CreatedAt.After(hits[j].s.CreatedAt)
		}
		return hits[i].score > hits[j].score
	})

	out := make([]model.Series, 0, len(hits))
	for _, h := range hits {
		out = append(out, cloneSeries(*h.s))
	}
	return out, nil
}

func (m *memory) UpdateSeries(ctx context.Context, id string, patch model.SeriesPatch) (*model.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupSeries(id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Category != nil {
		s.Category = *patch.Category
	}
	if patch.IsPublished != nil {
		s.IsPublished = *patch.IsPublished
	}
	if patch.ThumbnailURL != nil {
		s.ThumbnailURL = *patch.ThumbnailURL
	}
	s.UpdatedAt = now()
	out := cloneSeries(*s)
	return &out, nil
}

func (m *memory) SetSeriesTopic(ctx context.Context, id, topicID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupSeries(id)
	if err != nil {
		return false, err
	}
	if s.NotificationTopicID != "" {
		return false, nil
	}
	s.NotificationTopicID = topicID
	s.UpdatedAt = now()
	return true, nil
}

func (m *memory) AdjustSubscriberCount(ctx context.Context, id string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupSeries(id)
	if err != nil {
		return err
	}
	s.SubscriberCount += delta
	if s.SubscriberCount < 0 {
		s.SubscriberCount = 0
	}
	return nil
}

func (m *memory) AppendLesson(ctx context.Context, seriesID, lessonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupSeries(seriesID)
	if err != nil {
		return err
	}
	for _, id := range s.LessonIDs {
		if id == lessonID {
			return nil
		}
	}
	s.LessonIDs = append(s.LessonIDs, lessonID)
	s.UpdatedAt = now()
	return nil
}

func (m *memory) RemoveLesson(ctx context.Context, seriesID, lessonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupSeries(seriesID)
	if err != nil {
		return err
	}
	if ids, removed := without(s.LessonIDs, lessonID); removed {
		s.LessonIDs = ids
		s.UpdatedAt = now()
	}
	return nil
}

func (m *memory) DeleteSeries(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookupSeries(id); err != nil {
		return err
	}
	delete(m.series, id)
	return nil
}

// --- lessons ---

func (m *memory) CreateLesson(ctx context.Context, lesson model.Lesson) (*model.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	lesson.ID = NewID()
	lesson.CreatedAt, lesson.UpdatedAt = ts, ts
	if lesson.DocumentURLs == nil {
		lesson.DocumentURLs = []string{}
	}
	stored := cloneLesson(lesson)
	m.lessons[lesson.ID] = &stored
	m.order = append(m.order, lesson.ID)
	out := cloneLesson(stored)
	return &out, nil
}

// lookupLesson must be called with m.mu held.
func (m *memory) lookupLesson(id string) (*model.Lesson, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	l, exists := m.lessons[id]
	if !exists {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *memory) GetLesson(ctx context.Context, id string) (*model.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, err := m.lookupLesson(id)
	if err != nil {
		return nil, err
	}
	out := cloneLesson(*l)
	return &out, nil
}

func (m *memory) ListLessons(ctx context.Context, seriesID string) ([]model.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Lesson, 0)
	for _, id := range m.order {
		if l, exists := m.lessons[id]; exists && l.SeriesID == seriesID {
			out = append(out, cloneLesson(*l))
		}
	}
	return out, nil
}

func (m *memory) UpdateLesson(ctx context.Context, id string, patch model.LessonPatch) (*model.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.lookupLesson(id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		l.Title = *patch.Title
	}
	if patch.Description != nil {
		l.Description = *patch.Description
	}
	if patch.IsPublished != nil {
		l.IsPublished = *patch.IsPublished
	}
	if patch.VideoURL != nil {
		l.VideoURL = *patch.VideoURL
	}
	if patch.DocumentURLs != nil {
		l.DocumentURLs = append([]string{}, (*patch.DocumentURLs)...)
	}
	l.UpdatedAt = now()
	out := cloneLesson(*l)
	return &out, nil
}

func (m *memory) DeleteLesson(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookupLesson(id); err != nil {
		return err
	}
	delete(m.lessons, id)
	m.order, _ = without(m.order, id)
	return nil
}

// without returns ids minus every occurrence of id and whether anything was removed.
func without(ids []string, id string) ([]string, bool) {
	out := ids[:0:0]
	removed := false
	for _, v := range ids {
		if v == id {
			removed = true
			continue
		}
		out = append(out, v)
	}
	if out == nil {
		out = []string{}
	}
	return out, removed
}

func cloneUser(u model.User) model.User {
	u.SubscribedSeriesIDs = append([]string{}, u.SubscribedSeriesIDs...)
	return u
}

func cloneSeries(s model.Series) model.Series {
	s.LessonIDs = append([]string{}, s.LessonIDs...)
	return s
}

func cloneLesson(l model.Lesson) model.Lesson {
	l.DocumentURLs = append([]string{}, l.DocumentURLs...)
	return l
}
