package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkir0/homenichat-serv/watchdog/clock"
)

func TestFakeNowAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)
	assert.Equal(t, start, c.Now())
	c.Advance(5 * time.Minute)
	assert.Equal(t, start.Add(5*time.Minute), c.Now())
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ch := c.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}
	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}
	c.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeAfterZeroOrNegativeFiresImmediately(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ch := c.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("expected immediate fire for non-positive duration")
	}
}

func TestFakeTickerFiresOnBoundaryCrossing(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticked before period elapsed")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected tick at period boundary")
	}
}

func TestFakeTickerStopSuppressesFutureTicks(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(10 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker should not fire")
	default:
	}
}

func TestFakeTickerReset(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute)
	ticker.Reset(10 * time.Second)
	c.Advance(10 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected tick after reset period")
	}
}

func TestRealClockSmoke(t *testing.T) {
	c := clock.NewReal()
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
	ch := c.After(time.Millisecond)
	<-ch
	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	<-ticker.C()
}
