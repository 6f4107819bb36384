package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicName(t *testing.T) {
	assert.Equal(t, "serie_65a1b2", TopicName("65a1b2"))
}

func TestMemorySubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	topic, err := m.CreateTopic(ctx, TopicName("s1"))
	require.NoError(t, err)
	again, err := m.CreateTopic(ctx, TopicName("s1"))
	require.NoError(t, err)
	assert.Equal(t, topic, again, "creating an existing topic returns it")

	require.NoError(t, m.SubscribeEmail(ctx, topic, "Learner@Example.com"))
	subs, err := m.ListSubscribers(ctx, topic)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Pending)
	assert.Empty(t, subs[0].SubscriptionID)

	require.NoError(t, m.Publish(ctx, topic, "s", "b"))
	assert.Empty(t, m.Published()[0].Recipients, "pending subscribers receive nothing")

	require.True(t, m.Confirm(topic, "learner@example.com"))
	subs, err = m.ListSubscribers(ctx, topic)
	require.NoError(t, err)
	require.False(t, subs[0].Pending)

	require.NoError(t, m.Publish(ctx, topic, "s", "b"))
	assert.Equal(t, []string{"Learner@Example.com"}, m.Published()[1].Recipients)

	require.NoError(t, m.Unsubscribe(ctx, subs[0].SubscriptionID))
	subs, err = m.ListSubscribers(ctx, topic)
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, m.DeleteTopic(ctx, topic))
	require.NoError(t, m.DeleteTopic(ctx, topic), "deleting twice succeeds")
	assert.False(t, m.HasTopic(topic))
	assert.ErrorIs(t, m.Publish(ctx, topic, "s", "b"), ErrTopicNotFound)
}

func TestMemoryAutoConfirmAndFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AutoConfirm = true

	topic, err := m.CreateTopic(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, m.SubscribeEmail(ctx, topic, "a@example.com"))
	subs, err := m.ListSubscribers(ctx, topic)
	require.NoError(t, err)
	assert.False(t, subs[0].Pending)
	assert.NotEmpty(t, subs[0].SubscriptionID)

	boom := errors.New("throttled")
	m.FailOn("publish", boom)
	assert.ErrorIs(t, m.Publish(ctx, topic, "s", "b"), boom)
	m.FailOn("publish", nil)
	assert.NoError(t, m.Publish(ctx, topic, "s", "b"))
	assert.Equal(t, 2, m.Calls("publish"))
}

func TestTruncateSubject(t *testing.T) {
	short := `New Lesson in "Go"`
	assert.Equal(t, short, truncateSubject(short))

	long := strings.Repeat("é", 80) // 160 bytes
	got := truncateSubject(long)
	assert.LessOrEqual(t, len(got), maxSubjectLen)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Equal(t, 0, len(got)%2, "no rune is split")
}
