package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualAdvanceFiresDueTickers(t *testing.T) {
	clk := NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := clk.NewTicker(time.Minute, 0)
	defer ticker.Stop()

	clk.Advance(3 * time.Minute)

	var ticks []time.Time
	for {
		select {
		case tick := <-ticker.C():
			ticks = append(ticks, tick)
			continue
		default:
		}
		break
	}
	// The buffered channel holds every tick fired in the window.
	require.Len(t, ticks, 3)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), ticks[0])
	assert.Equal(t, time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC), ticks[2])
	assert.Equal(t, time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC), clk.Now())
}

func TestVirtualTimerFiresOnce(t *testing.T) {
	clk := NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timer := clk.NewTimer(30 * time.Second)

	clk.Advance(2 * time.Minute)

	select {
	case tick := <-timer.C():
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC), tick)
	default:
		t.Fatal("timer did not fire")
	}

	clk.Advance(2 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("timer fired twice")
	default:
	}
}

func TestVirtualStoppedTimerDoesNotFire(t *testing.T) {
	clk := NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timer := clk.NewTimer(time.Minute)

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clk.Advance(5 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestVirtualStoppedTickerDoesNotFire(t *testing.T) {
	clk := NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := clk.NewTicker(time.Minute, 0)
	ticker.Stop()

	clk.Advance(5 * time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClockNowIsUTC(t *testing.T) {
	clk := NewReal()
	now := clk.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestRealTimerFires(t *testing.T) {
	clk := NewReal()
	timer := clk.NewTimer(time.Millisecond)

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
