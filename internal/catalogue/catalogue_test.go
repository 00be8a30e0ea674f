package catalogue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndLookup(t *testing.T) {
	c := New()
	c.Add("echo", "peer-a")
	c.Add("echo", "peer-b")

	assert.True(t, c.Contains("echo"))
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, c.Lookup("echo"))
}

func TestLookupUnknownService(t *testing.T) {
	c := New()
	assert.False(t, c.Contains("missing"))
	assert.Nil(t, c.Lookup("missing"))
}

func TestAddAll(t *testing.T) {
	c := New()
	c.AddAll([]string{"echo", "sum"}, "peer-a")

	assert.ElementsMatch(t, []string{"peer-a"}, c.Lookup("echo"))
	assert.ElementsMatch(t, []string{"peer-a"}, c.Lookup("sum"))
	assert.ElementsMatch(t, []string{"echo", "sum"}, c.Services())
}

func TestRemoveByPeerPrunesEmptyServices(t *testing.T) {
	c := New()
	c.Add("echo", "peer-a")
	c.Add("echo", "peer-b")
	c.Add("sum", "peer-a")

	c.RemoveByPeer("peer-a")

	assert.ElementsMatch(t, []string{"peer-b"}, c.Lookup("echo"))
	assert.False(t, c.Contains("sum"))
	assert.ElementsMatch(t, []string{"echo"}, c.Services())
}

func TestConcurrentAddAndRemove(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Add("svc", "peer")
		}(i)
		go func(i int) {
			defer wg.Done()
			c.Lookup("svc")
		}(i)
	}
	wg.Wait()
	assert.True(t, c.Contains("svc"))
}
