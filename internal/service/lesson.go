package service

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/storage"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

// LessonFiles are the uploads attached to a lesson create or update.
type LessonFiles struct {
	Video     *media.Object
	Documents []media.Object
}

func (f LessonFiles) empty() bool { return f.Video == nil && len(f.Documents) == 0 }

// CreateLesson stores a lesson under seriesID, links it into the series and
// notifies the series subscribers. Uploads run concurrently and all finish
// before the lesson document is written.
func (s *Service) CreateLesson(ctx context.Context, seriesID string, in model.LessonInput, userID, authToken string, files LessonFiles) (_ *model.Lesson, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.CreateLesson")
	defer func() { endSpan(span, err) }()

	in.Title = strings.TrimSpace(in.Title)
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSeries(ctx, seriesID); err != nil {
		return nil, storeErr(err, "series")
	}

	op := saga.Start(ctx, s.journal, s.log, OpLessonCreate, seriesID)

	video, docs, err := s.uploadLessonFiles(ctx, op, userID, authToken, files)
	if files.empty() {
		op.Skip(ctx, "upload_files", "no files")
	} else if op.Step(ctx, "upload_files", err) != nil {
		return nil, op.Fail(ctx, err)
	}

	lesson, err := s.store.CreateLesson(ctx, model.Lesson{
		Title:        in.Title,
		Description:  in.Description,
		IsPublished:  in.IsPublished,
		SeriesID:     seriesID,
		VideoURL:     video,
		DocumentURLs: docs,
	})
	if op.Step(ctx, "insert_lesson", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "lesson"))
	}

	err = s.store.AppendLesson(ctx, seriesID, lesson.ID)
	if op.Step(ctx, "link_lesson", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "series"))
	}

	s.notifyNewLesson(ctx, op, *lesson)
	s.emit(op, "lesson.created", s.events.PublishLessonCreated(ctx, *lesson))
	op.Done(ctx)
	return lesson, nil
}

// uploadLessonFiles stores the video and documents concurrently. Document
// URLs keep the order of files.Documents. When any upload fails the ones that
// succeeded are deleted again.
func (s *Service) uploadLessonFiles(ctx context.Context, op *saga.Op, userID, token string, files LessonFiles) (string, []string, error) {
	docs := make([]string, len(files.Documents))
	if files.empty() {
		return "", docs, nil
	}

	// Reject oversized or disallowed files before anything is stored
	if files.Video != nil {
		if err := s.limits.Check(*files.Video); err != nil {
			return "", nil, err
		}
	}
	for _, d := range files.Documents {
		if err := s.limits.Check(d); err != nil {
			return "", nil, err
		}
	}

	var video string
	g, gctx := errgroup.WithContext(ctx)
	if files.Video != nil {
		obj := *files.Video
		g.Go(func() error {
			url, err := s.upload(gctx, media.VideoPrefix(userID), obj, token)
			video = url
			return err
		})
	}
	for i, d := range files.Documents {
		g.Go(func() error {
			url, err := s.upload(gctx, media.DocumentPrefix(userID), d, token)
			docs[i] = url
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, url := range append([]string{video}, docs...) {
			if url == "" {
				continue
			}
			if derr := s.media.Delete(ctx, url); derr != nil {
				op.Warn(ctx, "delete_partial_upload", derr)
			}
		}
		return "", nil, err
	}
	return video, docs, nil
}

// GetLesson returns the lesson if it exists and belongs to seriesID.
func (s *Service) GetLesson(ctx context.Context, seriesID, lessonID string) (*model.Lesson, error) {
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if absent(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "lesson")
	}
	if lesson.SeriesID != seriesID {
		return nil, nil
	}
	return lesson, nil
}

// ListLessons returns the lessons of a series in creation order.
func (s *Service) ListLessons(ctx context.Context, seriesID string) ([]model.Lesson, error) {
	if _, err := s.store.GetSeries(ctx, seriesID); err != nil {
		return nil, storeErr(err, "series")
	}
	lessons, err := s.store.ListLessons(ctx, seriesID)
	if err != nil {
		return nil, storeErr(err, "lesson")
	}
	return lessons, nil
}

// UpdateLesson applies patch and replaces the video or the document list when
// new files are supplied. Replaced files are deleted on a best effort basis.
// It returns nil when the lesson does not exist.
func (s *Service) UpdateLesson(ctx context.Context, seriesID, lessonID string, patch model.LessonPatch, userID, authToken string, files LessonFiles) (_ *model.Lesson, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.UpdateLesson")
	defer func() { endSpan(span, err) }()

	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		patch.Title = &t
	}
	patch.VideoURL, patch.DocumentURLs = nil, nil
	if err := s.validator.Struct(patch); err != nil {
		return nil, err
	}

	current, err := s.GetLesson(ctx, seriesID, lessonID)
	if err != nil || current == nil {
		return nil, err
	}

	op := saga.Start(ctx, s.journal, s.log, OpLessonUpdate, lessonID)

	if files.Video != nil {
		if current.VideoURL != "" {
			s.deleteBlob(ctx, op, "delete_old_video", current.VideoURL)
		}
		url, err := s.upload(ctx, media.VideoPrefix(userID), *files.Video, authToken)
		if op.Step(ctx, "upload_video", err) != nil {
			return nil, op.Fail(ctx, err)
		}
		patch.VideoURL = &url
	}
	if len(files.Documents) > 0 {
		for _, url := range current.DocumentURLs {
			s.deleteBlob(ctx, op, "delete_old_document", url)
		}
		_, docs, err := s.uploadLessonFiles(ctx, op, userID, authToken, LessonFiles{Documents: files.Documents})
		if op.Step(ctx, "upload_documents", err) != nil {
			return nil, op.Fail(ctx, err)
		}
		patch.DocumentURLs = &docs
	}

	updated, err := s.store.UpdateLesson(ctx, lessonID, patch)
	if absent(err) {
		op.Skip(ctx, "update_lesson", "lesson deleted concurrently")
		op.Done(ctx)
		return nil, nil
	}
	if op.Step(ctx, "update_lesson", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "lesson"))
	}
	op.Done(ctx)
	return updated, nil
}

// DeleteLesson removes the lesson, unlinks it from its series and deletes its
// files. Missing files do not fail the call.
func (s *Service) DeleteLesson(ctx context.Context, seriesID, lessonID string) (_ bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.DeleteLesson")
	defer func() { endSpan(span, err) }()

	lesson, err := s.GetLesson(ctx, seriesID, lessonID)
	if err != nil {
		return false, err
	}
	if lesson == nil {
		return false, errordefs.New(errordefs.EDU_NOT_FOUND, "lesson not found", "")
	}

	op := saga.Start(ctx, s.journal, s.log, OpLessonDelete, lessonID)

	err = s.store.DeleteLesson(ctx, lessonID)
	if errors.Is(err, storage.ErrNotFound) {
		op.Skip(ctx, "delete_lesson", "already deleted")
		op.Done(ctx)
		return false, nil
	}
	if op.Step(ctx, "delete_lesson", err) != nil {
		return false, op.Fail(ctx, storeErr(err, "lesson"))
	}

	err = s.store.RemoveLesson(ctx, seriesID, lessonID)
	if absent(err) {
		op.Skip(ctx, "unlink_lesson", "series gone")
	} else if op.Step(ctx, "unlink_lesson", err) != nil {
		return false, op.Fail(ctx, storeErr(err, "series"))
	}

	if lesson.VideoURL != "" {
		s.deleteBlob(ctx, op, "delete_video", lesson.VideoURL)
	}
	for _, url := range lesson.DocumentURLs {
		s.deleteBlob(ctx, op, "delete_document", url)
	}
	op.Done(ctx)
	return true, nil
}

// DeleteLessonDocument deletes one attached document file and drops its URL
// from the lesson.
func (s *Service) DeleteLessonDocument(ctx context.Context, seriesID, lessonID, url string) (*model.Lesson, error) {
	lesson, err := s.GetLesson(ctx, seriesID, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson == nil {
		return nil, errordefs.New(errordefs.EDU_NOT_FOUND, "lesson not found", "")
	}

	remaining := make([]string, 0, len(lesson.DocumentURLs))
	found := false
	for _, u := range lesson.DocumentURLs {
		if u == url {
			found = true
			continue
		}
		remaining = append(remaining, u)
	}
	if !found {
		return nil, errordefs.New(errordefs.EDU_NOT_FOUND, "document is not attached to this lesson", "")
	}

	if err := s.media.Delete(ctx, url); err != nil {
		return nil, upstream("document deletion failed", err)
	}
	updated, err := s.store.UpdateLesson(ctx, lessonID, model.LessonPatch{DocumentURLs: &remaining})
	if err != nil {
		return nil, storeErr(err, "lesson")
	}
	return updated, nil
}

// deleteBlob removes a stored file, recording a failure as a warning.
func (s *Service) deleteBlob(ctx context.Context, op *saga.Op, step, url string) {
	if err := s.media.Delete(ctx, url); err != nil {
		op.Warn(ctx, step, err)
		return
	}
	op.Step(ctx, step, nil)
}
