package topicindex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertMatchRemove(t *testing.T) {
	idx := New()
	idx.Insert("signal.email.*", "sub_1")
	idx.Insert("signal.slack.*", "sub_2")

	assert.ElementsMatch(t, []string{"sub_1"}, idx.Matches("signal.email.received"))
	assert.Empty(t, idx.Matches("signal.sms.received"))

	idx.Remove("signal.email.*", "sub_1")
	assert.Empty(t, idx.Matches("signal.email.received"))
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	idx := New()
	before := idx.Len()
	idx.Insert("signal.**", "sub_1")
	idx.Remove("signal.**", "sub_1")
	assert.Equal(t, before, idx.Len())
}

func TestConcurrentInsertAndMatch(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			idx.Insert("signal.*", "sub")
			idx.Matches("signal.email")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, idx.Len())
}
