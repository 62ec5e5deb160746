package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateQueueAddReplaceRemove(t *testing.T) {
	queue := NewCandidateQueue()
	updated := queue.Updated()
	require.NotNil(t, updated)

	queue.Add(Candidate{Name: "bob", Addresses: []string{"10.0.0.2:1"}})
	select {
	case <-updated:
	default:
		require.FailNow(t, "expected Add to signal waiters")
	}

	queue.Add(Candidate{Name: "carol", Addresses: []string{"10.0.0.3:1"}})
	queue.Add(Candidate{Name: "bob", Addresses: []string{"10.0.0.9:1"}})

	got := queue.Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].Name)
	assert.Equal(t, []string{"10.0.0.9:1"}, got[0].Addresses)
	assert.Equal(t, "carol", got[1].Name)

	assert.True(t, queue.Remove("bob"))
	assert.False(t, queue.Remove("bob"))
	assert.Equal(t, 1, queue.Len())
}

func TestCandidateQueueClose(t *testing.T) {
	queue := NewCandidateQueue()
	waiter := queue.Updated()

	queue.Close()
	queue.Close()

	select {
	case <-waiter:
	default:
		require.FailNow(t, "expected Close to wake waiters")
	}
	assert.Nil(t, queue.Updated())

	queue.Add(Candidate{Name: "late"})
	assert.Zero(t, queue.Len())
}

func TestStaticCandidatesNeverUpdate(t *testing.T) {
	source := StaticCandidates{{Name: "a"}}
	assert.Nil(t, source.Updated())
	assert.Len(t, source.Candidates(), 1)
}
