package tx

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingTable(n int) *DQO {
	r := &DQO{pending: make([]pendingPkt, n)}
	r.resetLists()
	return r
}

func TestPendingListsStealProducerList(t *testing.T) {
	r := newPendingTable(4)
	for i := range 4 {
		assert.Equal(t, int32(i), r.allocPending())
	}
	assert.Equal(t, int32(-1), r.allocPending())
	assert.False(t, r.havePending())

	r.freePending(2)
	assert.True(t, r.havePending())
	assert.Equal(t, int32(2), r.allocPending())
	assert.Equal(t, int32(-1), r.allocPending())

	r.freePending(0)
	r.freePending(3)
	got := []int32{r.allocPending(), r.allocPending()}
	assert.ElementsMatch(t, []int32{0, 3}, got)
}

func TestPendingListsConcurrentFree(t *testing.T) {
	const n, rounds = 32, 2000
	r := newPendingTable(n)

	owned := make([]atomic.Bool, n)
	freed := make(chan int32, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range freed {
			owned[i].Store(false)
			r.freePending(i)
		}
	}()

	for range rounds {
		i := r.allocPending()
		if i == -1 {
			continue
		}
		require.True(t, owned[i].CompareAndSwap(false, true), "slot %d handed out twice", i)
		freed <- i
	}
	close(freed)
	wg.Wait()

	seen := map[int32]bool{}
	for {
		i := r.allocPending()
		if i == -1 {
			break
		}
		require.False(t, seen[i])
		seen[i] = true
	}
	assert.Len(t, seen, n)
}
