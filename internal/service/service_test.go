package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/event"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/lock"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

type fixture struct {
	svc     *Service
	store   storage.Store
	topics  *notify.Memory
	blobs   *media.Local
	journal saga.Journal
	locker  *lock.Local
	events  *event.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemory(),
		topics:  notify.NewMemory(),
		blobs:   media.NewLocal(),
		journal: saga.NewMemory(),
		locker:  lock.NewLocal(),
		events:  event.NewRecorder(),
	}
	f.svc = New(Deps{
		Store:   f.store,
		Topics:  f.topics,
		Media:   f.blobs,
		Limits:  media.Limits{MaxSize: 1 << 20, AllowedTypes: []string{"image/png", "video/mp4", "application/pdf"}},
		Journal: f.journal,
		Locker:  f.locker,
		Events:  f.events,
	})
	return f
}

func (f *fixture) user(t *testing.T, id, email string) *model.User {
	t.Helper()
	u, err := f.svc.CreateProfile(context.Background(),
		&identity.Principal{UserID: id, Email: email}, model.UserInput{Name: id})
	require.NoError(t, err)
	return u
}

func (f *fixture) series(t *testing.T, title string) *model.Series {
	t.Helper()
	s, err := f.svc.CreateSeries(context.Background(),
		model.SeriesInput{Title: title, Category: "Programming", IsPublished: true}, "U1", "token", nil)
	require.NoError(t, err)
	return s
}

func (f *fixture) reload(t *testing.T, id string) *model.Series {
	t.Helper()
	s, err := f.store.GetSeries(context.Background(), id)
	require.NoError(t, err)
	return s
}

// incomplete returns the journal records of opType that did not complete cleanly.
func (f *fixture) incomplete(t *testing.T, opType string) []saga.Record {
	t.Helper()
	recs, err := f.journal.ListIncomplete(context.Background(), 100)
	require.NoError(t, err)
	var out []saga.Record
	for _, r := range recs {
		if r.Type == opType {
			out = append(out, r)
		}
	}
	return out
}

func file(name, contentType, body string) media.Object {
	return media.Object{Name: name, ContentType: contentType, Size: int64(len(body)), Body: strings.NewReader(body)}
}

func TestSeriesSubscriptionLessonScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U1", "u1@x.com")
	f.user(t, "U2", "u2@x.com")

	series, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "JS101", Category: "Programming"}, "U1", "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), series.SubscriberCount)
	assert.Empty(t, series.LessonIDs)
	require.NotEmpty(t, series.NotificationTopicID)

	sub, err := f.svc.Subscribe(ctx, series.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.False(t, sub.AlreadySubscribed)
	assert.Equal(t, int64(1), f.reload(t, series.ID).SubscriberCount)
	u2, _ := f.svc.GetUser(ctx, "U2")
	assert.Contains(t, u2.SubscribedSeriesIDs, series.ID)

	lesson, err := f.svc.CreateLesson(ctx, series.ID, model.LessonInput{Title: "Intro"}, "U1", "tok", LessonFiles{})
	require.NoError(t, err)
	published := f.topics.Published()
	require.Len(t, published, 1)
	assert.Equal(t, series.NotificationTopicID, published[0].TopicID)
	assert.Contains(t, published[0].Subject, `"JS101"`)

	res, err := f.svc.DeleteSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.NotEmpty(t, res.Warning)
	assert.True(t, f.topics.HasTopic(series.NotificationTopicID))

	ok, err := f.svc.DeleteLesson(ctx, series.ID, lesson.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = f.svc.DeleteSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.False(t, f.topics.HasTopic(series.NotificationTopicID))
	u2, _ = f.svc.GetUser(ctx, "U2")
	assert.NotContains(t, u2.SubscribedSeriesIDs, series.ID)

	gone, err := f.svc.GetSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.Equal(t, []string{event.SeriesCreated, event.SubscriptionChanged, event.LessonCreated, event.SeriesDeleted},
		f.events.Types())
}

func TestCreateSeriesTopicIsSetOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.series(t, "Go")

	first := f.reload(t, s.ID).NotificationTopicID
	assert.Equal(t, s.NotificationTopicID, first)
	assert.Equal(t, notify.TopicName(s.ID), strings.TrimPrefix(first, "arn:memory:topic:"))

	attached, err := f.store.SetSeriesTopic(ctx, s.ID, "arn:other")
	require.NoError(t, err)
	assert.False(t, attached)
	assert.Equal(t, first, f.reload(t, s.ID).NotificationTopicID)

	// A patch cannot reach the topic either
	title := "Go 2"
	_, err = f.svc.UpdateSeries(ctx, s.ID, model.SeriesPatch{Title: &title}, "U1", "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, first, f.reload(t, s.ID).NotificationTopicID)
}

func TestCreateSeriesTopicFailureKeepsDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.topics.FailOn("create_topic", errors.New("sns down"))

	_, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", nil)
	require.Error(t, err)
	assert.Equal(t, errordefs.EDU_UPSTREAM, errordefs.CodeOf(err))

	page, err := f.svc.ListSeries(ctx, model.SeriesFilter{})
	require.NoError(t, err)
	require.Len(t, page.Series, 1)
	assert.False(t, page.Series[0].Notifiable())

	failed := f.incomplete(t, OpSeriesCreate)
	require.Len(t, failed, 1)
	assert.Equal(t, saga.StatusFailed, failed[0].Status)
	assert.Equal(t, page.Series[0].ID, failed[0].Subject)
	last := failed[0].Steps[len(failed[0].Steps)-1]
	assert.Equal(t, "create_topic", last.Name)
	assert.Equal(t, saga.StepFailed, last.Status)
}

func TestCreateSeriesThumbnailFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.FailStore = errors.New("bucket down")

	thumb := file("a.png", "image/png", "png")
	_, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", &thumb)
	assert.Equal(t, errordefs.EDU_UPSTREAM, errordefs.CodeOf(err))

	page, _ := f.svc.ListSeries(ctx, model.SeriesFilter{})
	assert.Empty(t, page.Series)
	assert.Equal(t, 0, f.topics.Calls("create_topic"))
}

func TestCreateSeriesRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "  ", Category: "c"}, "U1", "tok", nil)
	assert.Equal(t, errordefs.EDU_VALIDATION, errordefs.CodeOf(err))

	thumb := file("a.gif", "image/gif", "gif")
	_, err = f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", &thumb)
	assert.Equal(t, errordefs.EDU_MEDIA_TYPE, errordefs.CodeOf(err))
	assert.Equal(t, 0, f.blobs.Len())
}

func TestDeleteSeriesWithLessonsIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.series(t, "Go")
	lesson, err := f.svc.CreateLesson(ctx, s.ID, model.LessonInput{Title: "L1"}, "U1", "tok", LessonFiles{})
	require.NoError(t, err)

	res, err := f.svc.DeleteSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.Contains(t, res.Warning, "1 lesson")

	assert.Equal(t, []string{lesson.ID}, f.reload(t, s.ID).LessonIDs)
	assert.True(t, f.topics.HasTopic(s.NotificationTopicID))
	kept, _ := f.svc.GetLesson(ctx, s.ID, lesson.ID)
	assert.NotNil(t, kept)
	assert.Equal(t, 0, f.topics.Calls("delete_topic"))
}

func TestDeleteSeriesThumbnailFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thumb := file("a.png", "image/png", "png")
	s, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", &thumb)
	require.NoError(t, err)
	f.blobs.FailDelete = errors.New("cdn down")

	res, err := f.svc.DeleteSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	warned := f.incomplete(t, OpSeriesDelete)
	require.Len(t, warned, 1)
	assert.Equal(t, saga.StatusWarned, warned[0].Status)
}

func TestDeleteSeriesTopicFailureKeepsDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "")
	require.NoError(t, err)
	f.topics.FailOn("delete_topic", errors.New("sns down"))

	_, err = f.svc.DeleteSeries(ctx, s.ID)
	assert.Equal(t, errordefs.EDU_UPSTREAM, errordefs.CodeOf(err))
	assert.NotNil(t, f.reload(t, s.ID), "series survives so the delete can be retried")

	// Retrying once the topic service recovers finishes the job
	f.topics.FailOn("delete_topic", nil)
	res, err := f.svc.DeleteSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
}

func TestDeleteSeriesUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DeleteSeries(context.Background(), storage.NewID())
	assert.Equal(t, errordefs.EDU_NOT_FOUND, errordefs.CodeOf(err))

	_, err = f.svc.DeleteSeries(context.Background(), "nope")
	assert.Equal(t, errordefs.EDU_VALIDATION, errordefs.CodeOf(err))
}

func TestUpdateSeriesReplacesThumbnail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := file("old.png", "image/png", "old")
	s, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", &old)
	require.NoError(t, err)
	oldURL := s.ThumbnailURL
	require.True(t, f.blobs.Has(oldURL))

	fresh := file("new.png", "image/png", "new")
	updated, err := f.svc.UpdateSeries(ctx, s.ID, model.SeriesPatch{}, "U1", "tok", &fresh)
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.False(t, f.blobs.Has(oldURL))
	assert.True(t, f.blobs.Has(updated.ThumbnailURL))
	assert.NotEqual(t, oldURL, updated.ThumbnailURL)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Equal(t, updated.ThumbnailURL, f.reload(t, s.ID).ThumbnailURL)
	assert.True(t, strings.Contains(updated.ThumbnailURL, media.ThumbnailPrefix("U1")))
}

func TestUpdateSeriesOldThumbnailDeleteFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := file("old.png", "image/png", "old")
	s, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", &old)
	require.NoError(t, err)
	f.blobs.FailDelete = errors.New("cdn down")

	fresh := file("new.png", "image/png", "new")
	updated, err := f.svc.UpdateSeries(ctx, s.ID, model.SeriesPatch{}, "U1", "tok", &fresh)
	require.NoError(t, err)
	assert.NotEqual(t, s.ThumbnailURL, updated.ThumbnailURL)
}

func TestUpdateSeriesMissing(t *testing.T) {
	f := newFixture(t)
	title := "x"
	got, err := f.svc.UpdateSeries(context.Background(), storage.NewID(), model.SeriesPatch{Title: &title}, "U1", "tok", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	empty := " "
	_, err = f.svc.UpdateSeries(context.Background(), storage.NewID(), model.SeriesPatch{Title: &empty}, "U1", "tok", nil)
	assert.Equal(t, errordefs.EDU_VALIDATION, errordefs.CodeOf(err))
}

func TestSearchByTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.series(t, "Learning Go")
	_, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "Go drafts", Category: "c"}, "U1", "tok", nil)
	require.NoError(t, err)

	found, err := f.svc.SearchByTitle(ctx, "go")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Learning Go", found[0].Title)

	_, err = f.svc.SearchByTitle(ctx, "   ")
	assert.Equal(t, errordefs.EDU_VALIDATION, errordefs.CodeOf(err))

	none, err := f.svc.SearchByTitle(ctx, "rust")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestListSeriesByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.series(t, "A")
	f.series(t, "B")
	_, err := f.svc.CreateSeries(ctx, model.SeriesInput{Title: "C", Category: "c"}, "U9", "tok", nil)
	require.NoError(t, err)

	mine, err := f.svc.ListSeriesByOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = f.svc.ListSeries(ctx, model.SeriesFilter{Cursor: "!!"})
	assert.Equal(t, errordefs.EDU_BAD_REQUEST, errordefs.CodeOf(err))
}

func TestIncompleteOperations(t *testing.T) {
	f := newFixture(t)
	f.topics.FailOn("create_topic", errors.New("down"))
	_, _ = f.svc.CreateSeries(context.Background(), model.SeriesInput{Title: "Go", Category: "c"}, "U1", "tok", nil)

	recs, err := f.svc.IncompleteOperations(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OpSeriesCreate, recs[0].Type)
}
