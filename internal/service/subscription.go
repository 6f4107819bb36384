package service

import (
	"context"
	"errors"
	"strings"
	"time"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/event"
	"github.com/team4edu/edu-backend-go/internal/lock"
	"github.com/team4edu/edu-backend-go/internal/metrics"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

// pairLockTTL bounds how long a crashed request can block a (user, series) pair.
const pairLockTTL = 30 * time.Second

// Subscribe registers email for lesson notifications of a series.
//
// The local subscription set records intent: the series id is added as soon
// as the topic accepted the (still unconfirmed) email subscription. The
// counter only moves when the set actually changed.
//
// The already-subscribed check runs before the pair lock is taken, so a second
// request racing an in-flight subscribe for the same pair gets EDU_CONFLICT
// rather than AlreadySubscribed; retrying it then reports AlreadySubscribed.
func (s *Service) Subscribe(ctx context.Context, seriesID, userID, email string) (_ *model.SubscribeResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.Subscribe")
	defer func() { endSpan(span, err) }()

	series, user, err := s.subscriptionTargets(ctx, seriesID, userID)
	if err != nil {
		return nil, err
	}

	res := &model.SubscribeResult{SeriesID: seriesID, UserID: userID}
	if user.IsSubscribed(seriesID) {
		res.AlreadySubscribed = true
		res.Message = "already subscribed to this series"
		return res, nil
	}

	if email = strings.TrimSpace(email); email == "" {
		email = user.Email
	}
	if email == "" {
		return nil, errordefs.New(errordefs.EDU_VALIDATION, "an email address is required to subscribe", "")
	}

	release, err := s.lockPair(ctx, userID, seriesID)
	if err != nil {
		return nil, err
	}
	defer release()

	op := saga.Start(ctx, s.journal, s.log, OpSubscribe, seriesID)

	err = s.topics.SubscribeEmail(ctx, series.NotificationTopicID, email)
	if op.Step(ctx, "subscribe_email", err) != nil {
		return nil, op.Fail(ctx, upstream("notification subscribe failed", err))
	}

	added, err := s.store.AddSubscription(ctx, userID, seriesID)
	if op.Step(ctx, "add_user_subscription", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "user"))
	}
	if !added {
		op.Skip(ctx, "increment_subscriber_count", "already a member")
		op.Done(ctx)
		res.AlreadySubscribed = true
		res.Message = "already subscribed to this series"
		return res, nil
	}

	if err := s.store.AdjustSubscriberCount(ctx, seriesID, 1); err != nil {
		op.Warn(ctx, "increment_subscriber_count", err)
	} else {
		op.Step(ctx, "increment_subscriber_count", nil)
	}

	s.emit(op, "subscription.changed", s.events.PublishSubscriptionChanged(ctx,
		event.SubscriptionChange{SeriesID: seriesID, UserID: userID, Subscribed: true}))
	op.Done(ctx)

	res.Message = "subscription requested; confirm it from the email we sent you"
	return res, nil
}

// Unsubscribe removes email from a series topic and the user's subscription set.
// A subscription that is still awaiting email confirmation cannot be revoked
// and is left untouched.
func (s *Service) Unsubscribe(ctx context.Context, seriesID, userID, email string) (_ *model.UnsubscribeResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.Unsubscribe")
	defer func() { endSpan(span, err) }()

	series, user, err := s.subscriptionTargets(ctx, seriesID, userID)
	if err != nil {
		return nil, err
	}

	res := &model.UnsubscribeResult{SeriesID: seriesID, UserID: userID}
	if !user.IsSubscribed(seriesID) {
		res.NotSubscribed = true
		res.Message = "not subscribed to this series"
		return res, nil
	}

	if email = strings.TrimSpace(email); email == "" {
		email = user.Email
	}

	release, err := s.lockPair(ctx, userID, seriesID)
	if err != nil {
		return nil, err
	}
	defer release()

	op := saga.Start(ctx, s.journal, s.log, OpUnsubscribe, seriesID)

	subs, err := s.topics.ListSubscribers(ctx, series.NotificationTopicID)
	if op.Step(ctx, "list_topic_subscribers", err) != nil {
		return nil, op.Fail(ctx, upstream("listing topic subscribers failed", err))
	}

	match := findSubscriber(subs, email)
	if match == nil {
		err := errordefs.NewWithDetails(errordefs.EDU_INCONSISTENT,
			"subscription exists locally but the notification topic has no matching subscriber", "",
			map[string]interface{}{"seriesId": seriesID})
		op.Step(ctx, "match_subscriber", err)
		return nil, op.Fail(ctx, err)
	}
	if match.Pending {
		op.Skip(ctx, "unsubscribe_email", "pending confirmation")
		op.Done(ctx)
		res.PendingConfirmation = true
		res.Message = "subscription is still pending email confirmation and cannot be cancelled yet"
		return res, nil
	}

	err = s.topics.Unsubscribe(ctx, match.SubscriptionID)
	if op.Step(ctx, "unsubscribe_email", err) != nil {
		return nil, op.Fail(ctx, upstream("notification unsubscribe failed", err))
	}

	removed, err := s.store.RemoveSubscription(ctx, userID, seriesID)
	if op.Step(ctx, "remove_user_subscription", err) != nil {
		return nil, op.Fail(ctx, storeErr(err, "user"))
	}
	if removed {
		if err := s.store.AdjustSubscriberCount(ctx, seriesID, -1); err != nil {
			op.Warn(ctx, "decrement_subscriber_count", err)
		} else {
			op.Step(ctx, "decrement_subscriber_count", nil)
		}
		s.emit(op, "subscription.changed", s.events.PublishSubscriptionChanged(ctx,
			event.SubscriptionChange{SeriesID: seriesID, UserID: userID, Subscribed: false}))
	} else {
		op.Skip(ctx, "decrement_subscriber_count", "not a member")
	}
	op.Done(ctx)

	res.Message = "unsubscribed from this series"
	return res, nil
}

// ListSubscriptions resolves the user's subscription set to series.
// An empty set, or an unknown user, yields Empty=true.
func (s *Service) ListSubscriptions(ctx context.Context, userID string) (*model.SubscriptionList, error) {
	empty := &model.SubscriptionList{
		Series:  []model.Series{},
		Empty:   true,
		Message: "you have not subscribed to any series yet",
	}

	user, err := s.store.GetUser(ctx, userID)
	if absent(err) {
		return empty, nil
	}
	if err != nil {
		return nil, storeErr(err, "user")
	}
	if len(user.SubscribedSeriesIDs) == 0 {
		return empty, nil
	}

	series, err := s.store.GetSeriesByIDs(ctx, user.SubscribedSeriesIDs)
	if err != nil {
		return nil, storeErr(err, "series")
	}
	if len(series) == 0 {
		return empty, nil
	}
	return &model.SubscriptionList{Series: series}, nil
}

// subscriptionTargets loads the series and user for a subscription change.
// The series must have a notification topic.
func (s *Service) subscriptionTargets(ctx context.Context, seriesID, userID string) (*model.Series, *model.User, error) {
	series, err := s.store.GetSeries(ctx, seriesID)
	if err != nil && !absent(err) {
		return nil, nil, storeErr(err, "series")
	}
	if err != nil || !series.Notifiable() {
		return nil, nil, errordefs.New(errordefs.EDU_NOT_FOUND, "series not found or not notifiable", "")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, storeErr(err, "user")
	}
	return series, user, nil
}

// lockPair takes the (user, series) lock without waiting.
func (s *Service) lockPair(ctx context.Context, userID, seriesID string) (func(), error) {
	release, err := s.locker.TryAcquire(ctx, lock.PairKey(userID, seriesID), pairLockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.Get().LockContention.Inc()
		return nil, errordefs.New(errordefs.EDU_CONFLICT, "operation already in progress", "")
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.EDU_UNAVAILABLE, "subscription lock unavailable", err)
	}
	return release, nil
}

// findSubscriber returns the email subscription for email, preferring a
// confirmed entry over a pending one.
func findSubscriber(subs []notify.Subscriber, email string) *notify.Subscriber {
	var pending *notify.Subscriber
	for i := range subs {
		sub := &subs[i]
		if sub.Protocol != notify.ProtocolEmail || !strings.EqualFold(sub.Endpoint, email) {
			continue
		}
		if !sub.Pending {
			return sub
		}
		if pending == nil {
			pending = sub
		}
	}
	return pending
}
