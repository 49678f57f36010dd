package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type stubLeader struct {
	held     bool
	err      error
	released int
}

func (l *stubLeader) TryLock(context.Context, string) (func(), bool, error) {
	if l.err != nil || l.held {
		return nil, false, l.err
	}
	return func() { l.released++ }, true, nil
}

func TestSweeper_Tick(t *testing.T) {
	f := newGrantFixture(t)
	f.create(t, domain.GrantOptions{Duration: time.Minute, AllowedSources: []domain.SourceID{"cam-1"}})
	f.clock.Advance(2 * time.Minute)

	leader := &stubLeader{held: true}
	s := NewSweeper(f.svc, time.Minute, leader, zaptest.NewLogger(t).Sugar())

	assert.Zero(t, s.Tick(context.Background()), "follower does not sweep")

	leader.err = errors.New("redis down")
	assert.Zero(t, s.Tick(context.Background()))

	leader.held, leader.err = false, nil
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, 1, leader.released)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newGrantFixture(t)
	s := NewSweeper(f.svc, 10*time.Millisecond, nil, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	f.create(t, domain.GrantOptions{Duration: time.Minute, AllowedSources: []domain.SourceID{"cam-1"}})
	f.clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		active, err := f.store.ListActive(context.Background())
		return err == nil && len(active) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
