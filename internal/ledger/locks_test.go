package ledger

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLockMapSerializesAccount(t *testing.T) {
	m := newLockMap()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.lock("acct")
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, m.size())
}

func TestLockMapIndependentAccounts(t *testing.T) {
	m := newLockMap()

	unlockA := m.lock("a")
	unlockB := m.lock("b")
	assert.Equal(t, 2, m.size())

	unlockA()
	assert.Equal(t, 1, m.size())
	unlockB()
	assert.Zero(t, m.size())
}

func TestRemainingBasis(t *testing.T) {
	d := decimal.RequireFromString

	assert.True(t, remainingBasis(d("1200"), 10, 6).Equal(d("720")))
	assert.True(t, remainingBasis(d("1200"), 10, 10).Equal(d("1200")))
	assert.True(t, remainingBasis(d("1200"), 10, 0).IsZero())

	// 100 / 3 per unit, two units left.
	got := remainingBasis(d("100"), 3, 2)
	assert.True(t, AveragePrice(got, 2).Equal(d("33.33")), "got %s", got)
}

func TestAveragePrice(t *testing.T) {
	d := decimal.RequireFromString

	assert.True(t, AveragePrice(d("0.05"), 4).Equal(d("0.01")))
	assert.True(t, AveragePrice(d("0.03"), 2).Equal(d("0.02")))
	assert.True(t, AveragePrice(d("10"), 0).IsZero())
}
