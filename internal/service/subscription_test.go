package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/lock"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")

	first, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.False(t, first.AlreadySubscribed)

	second, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.True(t, second.AlreadySubscribed)

	assert.Equal(t, 1, f.topics.Calls("subscribe"))
	assert.Equal(t, int64(1), f.reload(t, s.ID).SubscriberCount)
}

func TestSubscribeUsesProfileEmailWhenTokenHasNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")

	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "")
	require.NoError(t, err)
	subs, err := f.topics.ListSubscribers(ctx, s.NotificationTopicID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "u2@x.com", subs[0].Endpoint)
	assert.True(t, subs[0].Pending)
}

func TestSubscribeRequiresNotifiableSeriesAndUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")

	bare, err := f.store.CreateSeries(ctx, model.Series{Title: "no topic", Category: "c"})
	require.NoError(t, err)

	for _, id := range []string{bare.ID, storage.NewID(), "malformed"} {
		_, err := f.svc.Subscribe(ctx, id, "U2", "u2@x.com")
		assert.Equal(t, errordefs.EDU_NOT_FOUND, errordefs.CodeOf(err), id)
	}

	s := f.series(t, "Go")
	_, err = f.svc.Subscribe(ctx, s.ID, "ghost", "g@x.com")
	assert.Equal(t, errordefs.EDU_NOT_FOUND, errordefs.CodeOf(err))
	assert.Equal(t, 0, f.topics.Calls("subscribe"))
}

func TestSubscribeFailsFastWhenPairIsLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")

	release, err := f.locker.TryAcquire(ctx, lock.PairKey("U2", s.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	assert.Equal(t, errordefs.EDU_CONFLICT, errordefs.CodeOf(err))
	assert.Equal(t, 0, f.topics.Calls("subscribe"))

	release()
	_, err = f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	assert.NoError(t, err)

	// The rejected caller's retry sees the finished subscription.
	retry, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.True(t, retry.AlreadySubscribed)
	assert.Equal(t, int64(1), f.reload(t, s.ID).SubscriberCount)
}

func TestSubscribeRemoteFailureLeavesLocalStateAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	f.topics.FailOn("subscribe", errors.New("throttled"))

	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	assert.Equal(t, errordefs.EDU_UPSTREAM, errordefs.CodeOf(err))

	u, _ := f.svc.GetUser(ctx, "U2")
	assert.Empty(t, u.SubscribedSeriesIDs)
	assert.Equal(t, int64(0), f.reload(t, s.ID).SubscriberCount)
}

// staleUsers serves users as if they had no subscriptions, reproducing a
// request that read the profile before a concurrent subscribe committed.
type staleUsers struct {
	storage.Store
}

func (s staleUsers) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.Store.GetUser(ctx, id)
	if u != nil {
		u.SubscribedSeriesIDs = nil
	}
	return u, err
}

func TestSubscribeLostRaceDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)

	stale := New(Deps{Store: staleUsers{f.store}, Topics: f.topics, Media: f.blobs, Journal: f.journal})
	res, err := stale.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.True(t, res.AlreadySubscribed)
	assert.Equal(t, int64(1), f.reload(t, s.ID).SubscriberCount)
}

func TestConcurrentSubscribesCountOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
			if err != nil {
				assert.Equal(t, errordefs.EDU_CONFLICT, errordefs.CodeOf(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.reload(t, s.ID).SubscriberCount)
	u, _ := f.svc.GetUser(ctx, "U2")
	assert.Equal(t, []string{s.ID}, u.SubscribedSeriesIDs)
}

func TestUnsubscribeWhenNotSubscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")

	res, err := f.svc.Unsubscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.True(t, res.NotSubscribed)
	assert.Equal(t, 0, f.topics.Calls("list_subscriptions"))
	assert.Equal(t, 0, f.topics.Calls("unsubscribe"))
}

func TestUnsubscribePendingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)

	res, err := f.svc.Unsubscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.True(t, res.PendingConfirmation)

	u, _ := f.svc.GetUser(ctx, "U2")
	assert.Contains(t, u.SubscribedSeriesIDs, s.ID)
	assert.Equal(t, int64(1), f.reload(t, s.ID).SubscriberCount)
	assert.Equal(t, 0, f.topics.Calls("unsubscribe"))
}

func TestUnsubscribeConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	require.True(t, f.topics.Confirm(s.NotificationTopicID, "U2@X.com"))

	res, err := f.svc.Unsubscribe(ctx, s.ID, "U2", "U2@x.com")
	require.NoError(t, err)
	assert.False(t, res.NotSubscribed)
	assert.False(t, res.PendingConfirmation)

	u, _ := f.svc.GetUser(ctx, "U2")
	assert.NotContains(t, u.SubscribedSeriesIDs, s.ID)
	assert.Equal(t, int64(0), f.reload(t, s.ID).SubscriberCount)
	subs, _ := f.topics.ListSubscribers(ctx, s.NotificationTopicID)
	assert.Empty(t, subs)

	// Subscribing again starts over
	again, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.False(t, again.AlreadySubscribed)
}

func TestUnsubscribeCounterNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	_, err := f.svc.Subscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	f.topics.Confirm(s.NotificationTopicID, "u2@x.com")
	require.NoError(t, f.store.AdjustSubscriberCount(ctx, s.ID, -1))

	_, err = f.svc.Unsubscribe(ctx, s.ID, "U2", "u2@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.reload(t, s.ID).SubscriberCount)
}

func TestUnsubscribeInconsistentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "U2", "u2@x.com")
	s := f.series(t, "Go")
	// Local record without a remote subscription
	_, err := f.store.AddSubscription(ctx, "U2", s.ID)
	require.NoError(t, err)

	_, err = f.svc.Unsubscribe(ctx, s.ID, "U2", "u2@x.com")
	assert.Equal(t, errordefs.EDU_INCONSISTENT, errordefs.CodeOf(err))

	u, _ := f.svc.GetUser(ctx, "U2")
	assert.Contains(t, u.SubscribedSeriesIDs, s.ID)
	assert.Len(t, f.incomplete(t, OpUnsubscribe), 1)
}

func TestListSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown, err := f.svc.ListSubscriptions(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, unknown.Empty)
	assert.NotEmpty(t, unknown.Message)

	f.user(t, "U2", "u2@x.com")
	none, err := f.svc.ListSubscriptions(ctx, "U2")
	require.NoError(t, err)
	assert.True(t, none.Empty)
	assert.NotNil(t, none.Series)

	a := f.series(t, "A")
	f.series(t, "B")
	_, err = f.svc.Subscribe(ctx, a.ID, "U2", "u2@x.com")
	require.NoError(t, err)

	list, err := f.svc.ListSubscriptions(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, list.Empty)
	require.Len(t, list.Series, 1)
	assert.Equal(t, a.ID, list.Series[0].ID)
}
