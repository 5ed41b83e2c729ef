package bufferqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniro-graphics/bufferqueue/internal/allocator/memhal"
	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

func newTestConsumer(t *testing.T) *Consumer {
	t.Helper()
	q := newTestQueue(t, 3)
	return NewConsumer(q)
}

func TestConsumerSetUserDataRejectsExactDuplicate(t *testing.T) {
	c := newTestConsumer(t)
	require.NoError(t, c.SetUserData("colorSpace", "bt2020"))

	err := c.SetUserData("colorSpace", "bt2020")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeAPIFailed))

	require.NoError(t, c.SetUserData("colorSpace", "srgb"))
	v, ok := c.GetUserData("colorSpace")
	require.True(t, ok)
	assert.Equal(t, "srgb", v)
}

func TestConsumerSetUserDataOverflowsAtLimit(t *testing.T) {
	c := newTestConsumer(t)
	for i := 0; i < MaxUserDataEntries; i++ {
		require.NoError(t, c.SetUserData(keyFor(i), "v"))
	}

	err := c.SetUserData("one-too-many", "v")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeOutOfRange))
}

func TestConsumerOnUserDataChangeFiresOnSuccess(t *testing.T) {
	c := newTestConsumer(t)

	var gotKey, gotValue string
	c.OnUserDataChange("colorSpace", func(key, value string) {
		gotKey, gotValue = key, value
	})

	require.NoError(t, c.SetUserData("colorSpace", "bt2020"))
	assert.Equal(t, "colorSpace", gotKey)
	assert.Equal(t, "bt2020", gotValue)
}

func TestConsumerAcquireReleaseForwardsToQueue(t *testing.T) {
	q := New(Config{Name: "consumer-fwd", QueueSize: 1, Allocator: memhal.New()})
	c := NewConsumer(q)
	c.SetListener(&countingListener{})

	r, err := q.RequestBuffer(testConfig())
	require.NoError(t, err)
	require.NoError(t, q.FlushBuffer(r.Sequence, nil, nil, BufferFlushConfigWithDamages{
		Damages: []proto.Rect{{Width: 1, Height: 1}},
	}))

	got, err := c.AcquireBuffer(nil)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseBuffer(got.Sequence, nil))
}

func keyFor(i int) string {
	if i == 0 {
		return "k0"
	}
	digits := []byte{'k'}
	n := i
	var rev []byte
	for n > 0 {
		rev = append(rev, byte('0'+n%10))
		n /= 10
	}
	for j := len(rev) - 1; j >= 0; j-- {
		digits = append(digits, rev[j])
	}
	return string(digits)
}
