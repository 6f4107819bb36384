package service

import (
	"context"
	"fmt"

	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/saga"
)

// LessonNotification renders the message sent to series subscribers when a
// lesson is added.
func LessonNotification(seriesTitle, lessonTitle string) (subject, body string) {
	subject = fmt.Sprintf(`New Lesson in "%s"`, seriesTitle)
	body = fmt.Sprintf(`New lesson "%s" has been added to the series "%s". Open it now to see the content!`,
		lessonTitle, seriesTitle)
	return subject, body
}

// notifyNewLesson publishes the new-lesson message to the series topic. The
// series is re-read so the message uses its current title. Failures are
// recorded on op and never returned.
func (s *Service) notifyNewLesson(ctx context.Context, op *saga.Op, lesson model.Lesson) {
	const step = "notify_subscribers"

	series, err := s.store.GetSeries(ctx, lesson.SeriesID)
	if err != nil {
		op.Warn(ctx, step, err)
		return
	}
	if !series.Notifiable() {
		op.Skip(ctx, step, "series has no notification topic")
		return
	}

	subject, body := LessonNotification(series.Title, lesson.Title)
	if err := s.topics.Publish(ctx, series.NotificationTopicID, subject, body); err != nil {
		op.Warn(ctx, step, err)
		return
	}
	op.Step(ctx, step, nil)
}
