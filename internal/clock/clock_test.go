package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestFakeTickerFiresAtInterval(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	ticker := c.NewTicker(30 * time.Second)

	c.Advance(29 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-ticker.C():
		assert.Equal(t, start.Add(30*time.Second), at)
	default:
		t.Fatal("ticker did not fire at 30s")
	}
}

func TestFakeTickerDropsUnreadTicks(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)

	c.Advance(5 * time.Second)

	require.Len(t, ticker.C(), 1)
	<-ticker.C()
	assert.Len(t, ticker.C(), 0)
}

func TestFakeTickerStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	require.Equal(t, 1, c.Tickers())

	ticker.Stop()
	assert.Equal(t, 0, c.Tickers())

	c.Advance(10 * time.Second)
	assert.Len(t, ticker.C(), 0)
}

func TestRealClock(t *testing.T) {
	var c Clock = Real{}
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker never fired")
	}
}
