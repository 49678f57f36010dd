package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/clock"
	"camrelay/pkg/optimize"
	"camrelay/pkg/retry"
	"camrelay/pkg/tracing"

	"go.uber.org/zap"
)

var errReleased = errors.New("relay released during startup")

// Sink receives relay output and lifecycle notices. The supervisor never
// calls it while holding its own lock, except SubscriberCount.
type Sink interface {
	Publish(sourceID domain.SourceID, chunk []byte)
	SubscriberCount(sourceID domain.SourceID) int
	SourceFailed(sourceID domain.SourceID, cause error)
	SourceStopped(sourceID domain.SourceID)
}

type Config struct {
	StartupTimeout  time.Duration
	StartupAttempts int
	RetryDelay      time.Duration
	GracePeriod     time.Duration
	FailureWindow   time.Duration
	MaxFailures     int
	ChunkSize       int
	Clock           clock.Clock
	Metrics         ports.Metrics
}

func DefaultConfig() Config {
	return Config{
		StartupTimeout:  10 * time.Second,
		StartupAttempts: 2,
		RetryDelay:      500 * time.Millisecond,
		GracePeriod:     5 * time.Second,
		FailureWindow:   time.Minute,
		MaxFailures:     3,
		ChunkSize:       32 * 1024,
	}
}

type relayProcess struct {
	source  *domain.Source
	profile domain.QualityProfile

	state     domain.RelayState
	proc      Process
	startedAt time.Time
	restarts  int
	failures  []time.Time
	stopping  bool
	bytesOut  atomic.Int64

	ready    chan struct{}
	startErr error
}

// Supervisor keeps at most one transcoder per source. The registry lock
// covers state transitions only; spawning, waiting for the first output and
// graceful termination all happen outside it.
type Supervisor struct {
	launcher Launcher
	sink     Sink
	cfg      Config
	clock    clock.Clock
	metrics  ports.Metrics
	buffers  *optimize.BytePool
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	relays map[domain.SourceID]*relayProcess
	wg     sync.WaitGroup
}

func NewSupervisor(launcher Launcher, sink Sink, cfg Config, logger *zap.SugaredLogger) *Supervisor {
	def := DefaultConfig()
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = def.StartupAttempts
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &Supervisor{
		launcher: launcher,
		sink:     sink,
		cfg:      cfg,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		buffers:  optimize.NewBytePool(cfg.ChunkSize),
		logger:   logger,
		relays:   make(map[domain.SourceID]*relayProcess),
	}
}

// EnsureRunning returns the relay for source, starting it if none exists.
// Concurrent callers for the same source share one startup and one process.
func (s *Supervisor) EnsureRunning(ctx context.Context, source *domain.Source, profile domain.QualityProfile) (*domain.RelayStatus, error) {
	s.mu.Lock()
	rp, exists := s.relays[source.ID]
	if !exists {
		rp = &relayProcess{
			source:  source,
			profile: profile,
			state:   domain.RelayStarting,
			ready:   make(chan struct{}),
		}
		s.relays[source.ID] = rp
	}
	s.mu.Unlock()

	if exists {
		select {
		case <-rp.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if rp.startErr != nil {
			return nil, rp.startErr
		}
		status := s.statusLocked(rp)
		return &status, nil
	}

	ctx, span := tracing.TraceRelayOperation(ctx, "start", string(source.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.QualityKey.String(string(profile.Tier)))
	begin := time.Now()

	proc, exited, err := s.startWithRetry(ctx, rp)
	tracing.MeasureDuration(ctx, begin, "relay.start")

	s.mu.Lock()
	if err == nil && rp.stopping {
		err = errReleased
	}
	if err != nil {
		rp.startErr = err
		rp.state = domain.RelayUnavailable
		if s.relays[source.ID] == rp {
			delete(s.relays, source.ID)
		}
		close(rp.ready)
		s.mu.Unlock()

		if proc != nil {
			s.terminate(source.ID, proc)
		}
		s.metrics.RelayFailed(source.ID)
		tracing.RecordError(ctx, err)
		s.logger.Warnw("relay failed to start", "source_id", source.ID, "error", err)
		return nil, err
	}

	rp.proc = proc
	rp.state = domain.RelayRunning
	rp.startedAt = s.clock.Now()
	close(rp.ready)
	status := s.statusLocked(rp)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.monitor(rp, exited)

	s.metrics.RelayStarted(source.ID)
	s.logger.Infow("relay running", "source_id", source.ID, "pid", status.PID, "quality", profile.Tier)
	return &status, nil
}

// Release stops the relay for sourceID when it has no subscribers left. A
// subscriber that arrived since the caller saw zero keeps the relay alive.
func (s *Supervisor) Release(ctx context.Context, sourceID domain.SourceID) {
	s.mu.Lock()
	rp, ok := s.relays[sourceID]
	if !ok || s.sink.SubscriberCount(sourceID) > 0 {
		s.mu.Unlock()
		return
	}
	rp.stopping = true
	delete(s.relays, sourceID)
	proc := rp.proc
	s.mu.Unlock()

	if proc == nil {
		// Still starting; the starter terminates what it launched.
		return
	}
	s.terminate(sourceID, proc)
	s.metrics.RelayStopped(sourceID)
	s.logger.Infow("relay stopped", "source_id", sourceID, "bytes_out", rp.bytesOut.Load())
}

func (s *Supervisor) Status() []domain.RelayStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RelayStatus, 0, len(s.relays))
	for _, rp := range s.relays {
		out = append(out, s.statusLocked(rp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Shutdown terminates every relay and waits for their monitors to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	procs := make(map[domain.SourceID]Process, len(s.relays))
	for id, rp := range s.relays {
		rp.stopping = true
		if rp.proc != nil {
			procs[id] = rp.proc
		}
		delete(s.relays, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, proc := range procs {
		wg.Add(1)
		go func(id domain.SourceID, proc Process) {
			defer wg.Done()
			s.terminate(id, proc)
		}(id, proc)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) statusLocked(rp *relayProcess) domain.RelayStatus {
	st := domain.RelayStatus{
		SourceID:    rp.source.ID,
		State:       rp.state,
		Profile:     rp.profile,
		StartedAt:   rp.startedAt,
		Restarts:    rp.restarts,
		Subscribers: s.sink.SubscriberCount(rp.source.ID),
		BytesOut:    rp.bytesOut.Load(),
	}
	if rp.proc != nil {
		st.PID = rp.proc.PID()
	}
	return st
}

func (s *Supervisor) startWithRetry(ctx context.Context, rp *relayProcess) (Process, <-chan error, error) {
	type started struct {
		proc   Process
		exited <-chan error
	}
	cfg := retry.Config{
		MaxAttempts:  s.cfg.StartupAttempts,
		InitialDelay: s.cfg.RetryDelay,
		MaxDelay:     s.cfg.StartupTimeout,
		Multiplier:   2,
		NonRetryable: []error{context.Canceled, context.DeadlineExceeded, errReleased},
	}
	res, err := retry.RetryWithResult(ctx, cfg, func() (started, error) {
		if s.isStopping(rp) {
			return started{}, errReleased
		}
		proc, exited, err := s.startOnce(ctx, rp)
		return started{proc, exited}, err
	})
	return res.proc, res.exited, err
}

// startOnce launches the transcoder and waits for its first output. A
// process that exits or stays silent past the startup timeout counts as an
// unreachable upstream.
func (s *Supervisor) startOnce(ctx context.Context, rp *relayProcess) (Process, <-chan error, error) {
	id := rp.source.ID
	proc, err := s.launcher.Launch(ctx, rp.source, rp.profile)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, id, err)
	}

	first := make(chan struct{})
	exited := make(chan error, 1)
	go s.pump(rp, proc, first, exited)

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-first:
		return proc, exited, nil
	case exitErr := <-exited:
		return nil, nil, fmt.Errorf("%w: %s: transcoder exited during startup: %v", domain.ErrUpstreamUnavailable, id, exitErr)
	case <-timer.C:
		s.terminate(id, proc)
		return nil, nil, fmt.Errorf("%w: %s: no output within %s", domain.ErrUpstreamUnavailable, id, s.cfg.StartupTimeout)
	case <-ctx.Done():
		s.terminate(id, proc)
		return nil, nil, ctx.Err()
	}
}

// pump copies process output to the sink until EOF, then reports the exit
// status on exited.
func (s *Supervisor) pump(rp *relayProcess, proc Process, first chan<- struct{}, exited chan<- error) {
	id := rp.source.ID
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	signalled := false
	out := proc.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if !signalled {
				close(first)
				signalled = true
			}
			chunk := optimize.Clone(buf, n)
			rp.bytesOut.Add(int64(n))
			s.metrics.RelayBytes(id, n)
			s.sink.Publish(id, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("transcoder output closed", "source_id", id, "error", err)
			}
			break
		}
	}
	exited <- proc.Wait()
}

// monitor waits for the running process to exit and applies the restart
// policy until the relay is released, recovered, or given up on.
func (s *Supervisor) monitor(rp *relayProcess, exited <-chan error) {
	defer s.wg.Done()
	for {
		exitErr := <-exited
		outcome, failure := s.onProcessExit(rp, exitErr)
		switch outcome {
		case exitFailed:
			s.metrics.RelayFailed(rp.source.ID)
			s.sink.SourceFailed(rp.source.ID, failure)
			return
		case exitStopped:
			s.sink.SourceStopped(rp.source.ID)
			return
		case exitDone:
			return
		}

		s.metrics.RelayRestarted(rp.source.ID)
		proc, next, err := s.startOnce(context.Background(), rp)
		if err != nil {
			ch := make(chan error, 1)
			ch <- err
			exited = ch
			continue
		}
		if !s.adopt(rp, proc) {
			s.terminate(rp.source.ID, proc)
			return
		}
		s.logger.Infow("relay restarted", "source_id", rp.source.ID, "pid", proc.PID(), "restarts", rp.restarts)
		exited = next
	}
}

type exitOutcome int

const (
	exitDone exitOutcome = iota
	exitRestart
	exitStopped
	exitFailed
)

// onProcessExit decides what follows an exit. A clean exit ends the stream.
// A failed relay is restarted while it has subscribers, unless it already
// failed MaxFailures times within FailureWindow; then it is marked
// unavailable and the returned error goes to its subscribers.
func (s *Supervisor) onProcessExit(rp *relayProcess, exitErr error) (exitOutcome, error) {
	id := rp.source.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	if rp.stopping || s.relays[id] != rp {
		return exitDone, nil
	}
	if s.sink.SubscriberCount(id) == 0 {
		delete(s.relays, id)
		rp.proc = nil
		s.logger.Infow("relay exited with no subscribers", "source_id", id, "error", exitErr)
		return exitDone, nil
	}
	if exitErr == nil {
		rp.state = domain.RelayStopped
		delete(s.relays, id)
		rp.proc = nil
		s.logger.Infow("relay exited cleanly, ending stream", "source_id", id)
		return exitStopped, nil
	}

	now := s.clock.Now()
	window := now.Add(-s.cfg.FailureWindow)
	kept := rp.failures[:0]
	for _, t := range rp.failures {
		if t.After(window) {
			kept = append(kept, t)
		}
	}
	rp.failures = append(kept, now)
	rp.proc = nil

	if len(rp.failures) >= s.cfg.MaxFailures {
		rp.state = domain.RelayUnavailable
		delete(s.relays, id)
		s.logger.Errorw("relay unavailable", "source_id", id, "failures", len(rp.failures), "error", exitErr)
		return exitFailed, fmt.Errorf("%w: %s failed %d times within %s: %v",
			domain.ErrUpstreamUnavailable, id, len(rp.failures), s.cfg.FailureWindow, exitErr)
	}

	rp.state = domain.RelayRestarting
	rp.restarts++
	s.logger.Warnw("relay exited, restarting", "source_id", id, "failures", len(rp.failures), "error", exitErr)
	return exitRestart, nil
}

func (s *Supervisor) adopt(rp *relayProcess, proc Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rp.stopping || s.relays[rp.source.ID] != rp {
		return false
	}
	rp.proc = proc
	rp.state = domain.RelayRunning
	rp.startedAt = s.clock.Now()
	return true
}

func (s *Supervisor) isStopping(rp *relayProcess) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rp.stopping
}

// terminate asks the process to stop, then kills it once the grace period
// runs out.
func (s *Supervisor) terminate(id domain.SourceID, proc Process) {
	if err := proc.Stop(); err != nil {
		s.logger.Debugw("stop signal failed", "source_id", id, "error", err)
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
	}

	s.logger.Warnw("transcoder ignored stop, killing", "source_id", id, "pid", proc.PID())
	if err := proc.Kill(); err != nil {
		s.logger.Errorw("kill failed", "source_id", id, "pid", proc.PID(), "error", err)
		return
	}

	wait := time.NewTimer(s.cfg.GracePeriod)
	defer wait.Stop()
	select {
	case <-proc.Done():
	case <-wait.C:
		s.logger.Errorw("transcoder did not exit after kill", "source_id", id, "pid", proc.PID())
	}
}
