package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/storage"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

// CreateSeries stores a new series and provisions its notification topic.
//
// The topic name embeds the series id, so the document is inserted first and
// the topic attached afterwards. If topic creation fails the caller gets an
// error but the document stays; the journal keeps the failed step.
func (s *Service) CreateSeries(ctx context.Context, in model.SeriesInput, ownerUserID, authToken string, thumbnail *media.Object) (_ *model.Series, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.CreateSeries")
	defer func() { endSpan(span, err) }()

	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}

	op := saga.Start(ctx, s.journal, s.log, OpSeriesCreate, "")

	series := model.Series{
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		OwnerUserID: ownerUserID,
		IsPublished: in.IsPublished,
		LessonIDs:   []string{},
	}

	if thumbnail != nil {
		url, err := s.upload(ctx, media.ThumbnailPrefix(ownerUserID), *thumbnail, authToken)
		if op.Step(ctx, "upload_thumbnail", err) != nil {
			return nil, op.Fail(ctx, err)
		}
		series.ThumbnailURL = url
	} else {
		op.Skip(ctx, "upload_thumbnail", "no file")
	}

	created, err := s.store.CreateSeries(ctx, series)
	if op.Step(ctx, "insert_series", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}
	op.Subject(ctx, created.ID)

	topicID, err := s.topics.CreateTopic(ctx, notify.TopicName(created.ID))
	if op.Step(ctx, "create_topic", err) != nil {
		return nil, op.Fail(ctx, upstream("notification topic creation failed", err))
	}

	attached, err := s.store.SetSeriesTopic(ctx, created.ID, topicID)
	if err == nil && !attached {
		err = errordefs.New(errordefs.EDU_INCONSISTENT, "series already has a notification topic", "")
	}
	if op.Step(ctx, "attach_topic", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}
	created.NotificationTopicID = topicID

	s.emit(op, "series.created", s.events.PublishSeriesCreated(ctx, *created))
	op.Done(ctx)
	return created, nil
}

// DeleteSeries removes a series that has no lessons.
//
// References go first: users are scrubbed and the topic deleted before the
// document, so an interrupted delete leaves a series that can be deleted
// again rather than a topic nothing points to. The scrub is an idempotent pull.
func (s *Service) DeleteSeries(ctx context.Context, id string) (_ *model.DeleteSeriesResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.DeleteSeries")
	defer func() { endSpan(span, err) }()

	series, err := s.store.GetSeries(ctx, id)
	if err != nil {
		return nil, storeErr(err, "series")
	}
	if n := len(series.LessonIDs); n > 0 {
		return &model.DeleteSeriesResult{
			Deleted: false,
			Warning: fmt.Sprintf("series still has %d lesson(s); delete them before deleting the series", n),
		}, nil
	}

	op := saga.Start(ctx, s.journal, s.log, OpSeriesDelete, id)

	touched, err := s.store.RemoveSeriesFromAllUsers(ctx, id)
	if op.Step(ctx, "scrub_user_subscriptions", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}
	op.Logger().Debug("scrubbed series from users", "series_id", id, "users", touched)

	if series.Notifiable() {
		err := s.topics.DeleteTopic(ctx, series.NotificationTopicID)
		if errors.Is(err, notify.ErrTopicNotFound) {
			err = nil
		}
		if op.Step(ctx, "delete_topic", err) != nil {
			return nil, op.Fail(ctx, upstream("notification topic deletion failed", err))
		}
	} else {
		op.Skip(ctx, "delete_topic", "no topic attached")
	}

	err = s.store.DeleteSeries(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	if op.Step(ctx, "delete_series", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}

	if series.ThumbnailURL != "" {
		if err := s.media.Delete(ctx, series.ThumbnailURL); err != nil {
			op.Warn(ctx, "delete_thumbnail", err)
		} else {
			op.Step(ctx, "delete_thumbnail", nil)
		}
	} else {
		op.Skip(ctx, "delete_thumbnail", "no thumbnail")
	}

	s.emit(op, "series.deleted", s.events.PublishSeriesDeleted(ctx, id))
	op.Done(ctx)
	return &model.DeleteSeriesResult{Deleted: true}, nil
}

// UpdateSeries applies patch and optionally replaces the thumbnail. It returns
// nil when the series does not exist. The old thumbnail is removed on a best
// effort basis before the new one is uploaded.
func (s *Service) UpdateSeries(ctx context.Context, id string, patch model.SeriesPatch, ownerUserID, authToken string, thumbnail *media.Object) (_ *model.Series, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.UpdateSeries")
	defer func() { endSpan(span, err) }()

	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		patch.Title = &t
	}
	if patch.Category != nil {
		c := strings.TrimSpace(*patch.Category)
		patch.Category = &c
	}
	patch.ThumbnailURL = nil
	if err := s.validator.Struct(patch); err != nil {
		return nil, err
	}

	current, err := s.store.GetSeries(ctx, id)
	if absent(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "series")
	}

	op := saga.Start(ctx, s.journal, s.log, OpSeriesUpdate, id)

	if thumbnail != nil {
		if current.ThumbnailURL != "" {
			if err := s.media.Delete(ctx, current.ThumbnailURL); err != nil {
				op.Warn(ctx, "delete_old_thumbnail", err)
			} else {
				op.Step(ctx, "delete_old_thumbnail", nil)
			}
		}
		url, err := s.upload(ctx, media.ThumbnailPrefix(ownerUserID), *thumbnail, authToken)
		if op.Step(ctx, "upload_thumbnail", err) != nil {
			return nil, op.Fail(ctx, err)
		}
		patch.ThumbnailURL = &url
	}

	updated, err := s.store.UpdateSeries(ctx, id, patch)
	if absent(err) {
		op.Skip(ctx, "update_series", "series deleted concurrently")
		op.Done(ctx)
		return nil, nil
	}
	if op.Step(ctx, "update_series", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}
	op.Done(ctx)
	return updated, nil
}

// GetSeries returns the series, or nil if the id is unknown or malformed.
func (s *Service) GetSeries(ctx context.Context, id string) (*model.Series, error) {
	series, err := s.store.GetSeries(ctx, id)
	if absent(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "series")
	}
	return series, nil
}

// ListSeries returns one page of series, newest first.
func (s *Service) ListSeries(ctx context.Context, filter model.SeriesFilter) (*model.SeriesPage, error) {
	page, err := s.store.ListSeries(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "series")
	}
	return page, nil
}

// ListSeriesByOwner returns every series created by userID.
func (s *Service) ListSeriesByOwner(ctx context.Context, userID string) ([]model.Series, error) {
	out := []model.Series{}
	filter := model.SeriesFilter{OwnerUserID: userID, Limit: model.MaxPageSize}
	for {
		page, err := s.store.ListSeries(ctx, filter)
		if err != nil {
			return nil, storeErr(err, "series")
		}
		out = append(out, page.Series...)
		if page.NextCursor == "" {
			return out, nil
		}
		filter.Cursor = page.NextCursor
	}
}

// SearchByTitle runs a relevance search over published series titles.
func (s *Service) SearchByTitle(ctx context.Context, keyword string) (_ []model.Series, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.SearchByTitle")
	defer func() { endSpan(span, err) }()

	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errordefs.New(errordefs.EDU_VALIDATION, "search keyword is required", "")
	}
	found, err := s.store.SearchSeries(ctx, keyword)
	if err != nil {
		return nil, storeErr(err, "series")
	}
	if found == nil {
		found = []model.Series{}
	}
	return found, nil
}
