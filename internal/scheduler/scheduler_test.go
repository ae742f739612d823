package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePurger struct {
	calls atomic.Int32
	err   error
}

func (f *fakePurger) PurgeExpiredTokens(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

type fakeHub struct{}

func (fakeHub) SessionCount() int { return 4 }
func (fakeHub) RoomCount() int    { return 2 }

func newScheduler(t *testing.T, purger TokenPurger, ping func(context.Context) error) (*Scheduler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)

	// Long intervals so only RunNow fires during the test.
	s, err := New(Config{PurgeInterval: time.Hour, StatsInterval: time.Hour, PingInterval: time.Hour},
		purger, fakeHub{}, ping, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, logs
}

func TestPurgeTokensJob(t *testing.T) {
	purger := &fakePurger{}
	s, logs := newScheduler(t, purger, nil)

	require.NoError(t, s.RunNow(JobPurgeTokens))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("expired refresh tokens purged").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	entry := logs.FilterMessage("expired refresh tokens purged").All()[0]
	assert.Equal(t, int64(3), entry.ContextMap()["count"])
}

func TestPurgeTokensFailureIsLogged(t *testing.T) {
	s, logs := newScheduler(t, &fakePurger{err: errors.New("disk full")}, nil)

	require.NoError(t, s.RunNow(JobPurgeTokens))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("failed to purge expired refresh tokens").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubStatsJob(t *testing.T) {
	s, logs := newScheduler(t, &fakePurger{}, nil)

	require.NoError(t, s.RunNow(JobHubStats))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("hub stats").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	fields := logs.FilterMessage("hub stats").All()[0].ContextMap()
	assert.Equal(t, int64(4), fields["sessions"])
	assert.Equal(t, int64(2), fields["rooms"])
}

func TestDBPingJob(t *testing.T) {
	var pings atomic.Int32
	s, logs := newScheduler(t, &fakePurger{}, func(context.Context) error {
		pings.Add(1)
		return errors.New("connection refused")
	})

	require.NoError(t, s.RunNow(JobDBPing))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("database ping failed").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), pings.Load())
}

func TestPingJobSkippedWithoutPinger(t *testing.T) {
	s, _ := newScheduler(t, &fakePurger{}, nil)

	assert.Error(t, s.RunNow(JobDBPing))
	assert.Error(t, s.RunNow("nope"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{StatsInterval: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Hour, cfg.PurgeInterval)
	assert.Equal(t, 5*time.Second, cfg.StatsInterval)
	assert.Equal(t, time.Minute, cfg.PingInterval)
}
