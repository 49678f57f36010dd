package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errCrashed = errors.New("exit status 1")

type fakeProcess struct {
	pid        int
	r          *io.PipeReader
	w          *io.PipeWriter
	ignoreStop bool

	once    sync.Once
	err     error
	done    chan struct{}
	stopped atomic.Bool
	killed  atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, r: r, w: w, done: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.w.Close()
		close(p.done)
	})
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Output() io.Reader { return p.r }

func (p *fakeProcess) Stop() error {
	p.stopped.Store(true)
	if !p.ignoreStop {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// launchPlan decides how the n-th launched process behaves.
type launchPlan func(n int, p *fakeProcess)

func emitOnce(_ int, p *fakeProcess) {
	go p.w.Write([]byte("ts-packet"))
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	plan  launchPlan
	delay time.Duration
}

func (l *fakeLauncher) Launch(ctx context.Context, source *domain.Source, profile domain.QualityProfile) (Process, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	n := len(l.procs)
	p := newFakeProcess(1000 + n)
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	l.plan(n, p)
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeSink struct {
	subscribers atomic.Int32
	published   atomic.Int32
	stopped     atomic.Int32

	mu     sync.Mutex
	failed []error
}

func (s *fakeSink) Publish(domain.SourceID, []byte) { s.published.Add(1) }

func (s *fakeSink) SubscriberCount(domain.SourceID) int { return int(s.subscribers.Load()) }

func (s *fakeSink) SourceFailed(_ domain.SourceID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, cause)
}

func (s *fakeSink) SourceStopped(domain.SourceID) { s.stopped.Add(1) }

func (s *fakeSink) failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failed...)
}

var testSource = &domain.Source{ID: "cam-1", Name: "Front Door", Locator: "rtsp://cam1/stream"}

func testConfig() Config {
	return Config{
		StartupTimeout:  200 * time.Millisecond,
		StartupAttempts: 2,
		RetryDelay:      time.Millisecond,
		GracePeriod:     50 * time.Millisecond,
		FailureWindow:   time.Minute,
		MaxFailures:     3,
		ChunkSize:       1024,
	}
}

func newTestSupervisor(t *testing.T, launcher Launcher, sink Sink) *Supervisor {
	t.Helper()
	s := NewSupervisor(launcher, sink, testConfig(), zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestSupervisor_ConcurrentEnsureRunningSpawnsOnce(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce, delay: 20 * time.Millisecond}
	sink := &fakeSink{}
	sink.subscribers.Store(1)
	s := newTestSupervisor(t, launcher, sink)

	var wg sync.WaitGroup
	pids := make([]int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{Tier: domain.QualityMedium})
			if assert.NoError(t, err) {
				pids[i] = status.PID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.launched())
	for _, pid := range pids {
		assert.Equal(t, 1000, pid)
	}

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, domain.RelayRunning, status[0].State)
	assert.Equal(t, 1, status[0].Subscribers)
	assert.Eventually(t, func() bool { return sink.published.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_StartupFailure(t *testing.T) {
	launcher := &fakeLauncher{plan: func(_ int, p *fakeProcess) { p.exit(errors.New("connection refused")) }}
	s := newTestSupervisor(t, launcher, &fakeSink{})

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, 2, launcher.launched(), "startup is retried a bounded number of times")
	assert.Empty(t, s.Status())
}

func TestSupervisor_StartupTimeout(t *testing.T) {
	launcher := &fakeLauncher{plan: func(int, *fakeProcess) {}}
	s := newTestSupervisor(t, launcher, &fakeSink{})

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.True(t, launcher.proc(0).stopped.Load())
}

func TestSupervisor_RestartsAfterCrash(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce}
	sink := &fakeSink{}
	sink.subscribers.Store(2)
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	launcher.proc(0).exit(errCrashed)

	assert.Eventually(t, func() bool {
		st := s.Status()
		return launcher.launched() == 2 && len(st) == 1 && st[0].State == domain.RelayRunning && st[0].PID == 1001
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Status()[0].Restarts)
	assert.Empty(t, sink.failures())
}

func TestSupervisor_RepeatedFailuresMarkUnavailable(t *testing.T) {
	launcher := &fakeLauncher{plan: func(n int, p *fakeProcess) {
		if n == 0 {
			emitOnce(n, p)
			return
		}
		p.exit(errors.New("connection refused"))
	}}
	sink := &fakeSink{}
	sink.subscribers.Store(1)
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	launcher.proc(0).exit(errCrashed)

	assert.Eventually(t, func() bool { return len(sink.failures()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sink.failures()[0], domain.ErrUpstreamUnavailable)
	assert.Equal(t, 3, launcher.launched())
	assert.Empty(t, s.Status())
}

func TestSupervisor_CleanExitEndsStream(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce}
	sink := &fakeSink{}
	sink.subscribers.Store(1)
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.published.Load() >= 1 }, time.Second, 5*time.Millisecond)

	launcher.proc(0).exit(nil)

	assert.Eventually(t, func() bool { return sink.stopped.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Status())
	assert.Empty(t, sink.failures())
	assert.Equal(t, 1, launcher.launched())
}

func TestSupervisor_ExitWithoutSubscribersIsNotRestarted(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce}
	sink := &fakeSink{}
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	launcher.proc(0).exit(errCrashed)

	assert.Eventually(t, func() bool { return len(s.Status()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, launcher.launched())
}

func TestSupervisor_ReleaseIsGraceful(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce}
	sink := &fakeSink{}
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	s.Release(context.Background(), "cam-1")

	p := launcher.proc(0)
	assert.True(t, p.stopped.Load())
	assert.False(t, p.killed.Load())
	assert.Empty(t, s.Status())
}

func TestSupervisor_ReleaseForcesStubbornProcess(t *testing.T) {
	launcher := &fakeLauncher{plan: func(n int, p *fakeProcess) {
		p.ignoreStop = true
		emitOnce(n, p)
	}}
	s := newTestSupervisor(t, launcher, &fakeSink{})

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	start := time.Now()
	s.Release(context.Background(), "cam-1")

	p := launcher.proc(0)
	assert.True(t, p.stopped.Load())
	assert.True(t, p.killed.Load())
	assert.GreaterOrEqual(t, time.Since(start), testConfig().GracePeriod)
}

func TestSupervisor_ReleaseKeepsRelayWithSubscribers(t *testing.T) {
	launcher := &fakeLauncher{plan: emitOnce}
	sink := &fakeSink{}
	sink.subscribers.Store(1)
	s := newTestSupervisor(t, launcher, sink)

	_, err := s.EnsureRunning(context.Background(), testSource, domain.QualityProfile{})
	require.NoError(t, err)

	s.Release(context.Background(), "cam-1")
	assert.False(t, launcher.proc(0).stopped.Load())
	assert.Len(t, s.Status(), 1)

	sink.subscribers.Store(0)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Release(context.Background(), "cam-1")
		}()
	}
	wg.Wait()
	assert.Empty(t, s.Status())
	assert.True(t, launcher.proc(0).stopped.Load())
}

func TestFFmpegArgs(t *testing.T) {
	args := FFmpegArgs("rtsp://cam1/stream", domain.QualityProfile{
		Width: 1280, Height: 720, FPS: 25, CRF: 23, Bitrate: 1500, BufSize: 3000,
	})

	assert.Equal(t, []string{
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam1/stream",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-crf", "23",
		"-maxrate", "1500k",
		"-bufsize", "3000k",
		"-vf", "scale=1280:720",
		"-r", "25",
		"-f", "mpegts",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"pipe:1",
	}, args)
}
