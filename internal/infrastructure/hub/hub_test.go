package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []interface{}
	closed bool
	code   domain.CloseCode
	block  chan struct{}
	fail   error
}

func (c *fakeConn) WriteFrame(v interface{}) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) Close(code domain.CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) dataFrames() []domain.StreamFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.StreamFrame
	for _, f := range c.frames {
		if sf, ok := f.(domain.StreamFrame); ok && sf.Type == domain.FrameData {
			out = append(out, sf)
		}
	}
	return out
}

func (c *fakeConn) all() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.frames...)
}

func (c *fakeConn) isClosed() (bool, domain.CloseCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []domain.AdmissionID
}

func (r *fakeReleaser) Release(_ context.Context, a *domain.Admission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, a.ID)
	return nil
}

func (r *fakeReleaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released)
}

type fakeRelays struct {
	mu       sync.Mutex
	ensured  map[domain.SourceID]int
	released map[domain.SourceID]int
	err      error
	onEnsure func()
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{ensured: map[domain.SourceID]int{}, released: map[domain.SourceID]int{}}
}

func (r *fakeRelays) EnsureRunning(_ context.Context, source *domain.Source, profile domain.QualityProfile) (*domain.RelayStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured[source.ID]++
	if r.onEnsure != nil {
		r.onEnsure()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.RelayStatus{SourceID: source.ID, State: domain.RelayRunning, Profile: profile}, nil
}

func (r *fakeRelays) Release(_ context.Context, sourceID domain.SourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[sourceID]++
}

func (r *fakeRelays) Status() []domain.RelayStatus { return nil }

func (r *fakeRelays) releases(id domain.SourceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released[id]
}

type fixedProfile struct{}

func (fixedProfile) ProfileFor(*domain.Source) domain.QualityProfile {
	return domain.QualityProfile{Tier: domain.QualityMedium}
}

func newTestHub(t *testing.T, queue int) (*Hub, *fakeReleaser, *fakeRelays) {
	t.Helper()
	sources := memory.NewMemorySourceRegistry([]*domain.Source{
		{ID: "cam-1", Name: "Front Door"},
		{ID: "cam-2", Name: "Garage"},
	})
	grants := &fakeReleaser{}
	relays := newFakeRelays()
	h := New(grants, sources, fixedProfile{}, Config{QueueSize: queue}, zaptest.NewLogger(t).Sugar())
	h.AttachRelays(relays)
	t.Cleanup(h.Close)
	return h, grants, relays
}

func subscribe(t *testing.T, h *Hub, id string, source domain.SourceID, conn ports.Outbound) {
	t.Helper()
	err := h.Subscribe(context.Background(), ports.Subscription{
		ConnID:    domain.ConnectionID(id),
		SourceID:  source,
		Admission: &domain.Admission{ID: domain.AdmissionID("adm-" + id), Token: "tok"},
		Conn:      conn,
	})
	require.NoError(t, err)
}

func TestHub_PublishNotBlockedByStalledSubscriber(t *testing.T) {
	h, _, _ := newTestHub(t, 8)

	a := &fakeConn{}
	b := &fakeConn{block: make(chan struct{})}
	defer close(b.block)

	subscribe(t, h, "a", "cam-1", a)
	subscribe(t, h, "b", "cam-1", b)

	done := make(chan struct{})
	go func() {
		h.Publish("cam-1", []byte("X"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	assert.Eventually(t, func() bool {
		frames := a.dataFrames()
		return len(frames) == 1 && string(frames[0].Data) == "X"
	}, time.Second, 5*time.Millisecond)
}

func TestHub_FullQueueEvictsSubscriber(t *testing.T) {
	h, grants, relays := newTestHub(t, 1)

	a := &fakeConn{}
	b := &fakeConn{block: make(chan struct{})}
	defer close(b.block)

	subscribe(t, h, "a", "cam-1", a)
	subscribe(t, h, "b", "cam-1", b)

	for i := 0; i < 5; i++ {
		h.Publish("cam-1", []byte(fmt.Sprintf("chunk-%d", i)))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		closed, _ := b.isClosed()
		return closed && h.SubscriberCount("cam-1") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, grants.count())
	assert.Zero(t, relays.releases("cam-1"))
}

func TestHub_PublishStaysOnSource(t *testing.T) {
	h, _, _ := newTestHub(t, 8)

	front := &fakeConn{}
	garage := &fakeConn{}
	subscribe(t, h, "front", "cam-1", front)
	subscribe(t, h, "garage", "cam-2", garage)

	h.Publish("cam-2", []byte("garage-only"))

	assert.Eventually(t, func() bool { return len(garage.dataFrames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, front.dataFrames())
	assert.Equal(t, domain.SourceID("cam-2"), garage.dataFrames()[0].SourceID)
}

func TestHub_LastUnsubscribeReleasesRelay(t *testing.T) {
	h, grants, relays := newTestHub(t, 8)

	subscribe(t, h, "a", "cam-1", &fakeConn{})
	subscribe(t, h, "b", "cam-1", &fakeConn{})
	assert.Equal(t, 2, h.SubscriberCount("cam-1"))

	h.Unsubscribe(context.Background(), "a")
	assert.Zero(t, relays.releases("cam-1"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Unsubscribe(context.Background(), "b")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, relays.releases("cam-1"))
	assert.Equal(t, 2, grants.count())
	assert.Zero(t, h.SubscriberCount("cam-1"))

	h.Unsubscribe(context.Background(), "unknown")
	assert.Equal(t, 2, grants.count())
}

func TestHub_SubscribeFailsWhenRelayCannotStart(t *testing.T) {
	h, grants, relays := newTestHub(t, 8)
	relays.err = fmt.Errorf("%w: connection refused", domain.ErrUpstreamUnavailable)

	err := h.Subscribe(context.Background(), ports.Subscription{
		ConnID:    "a",
		SourceID:  "cam-1",
		Admission: &domain.Admission{ID: "adm-a"},
		Conn:      &fakeConn{},
	})

	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Zero(t, h.SubscriberCount("cam-1"))
	assert.Equal(t, 1, grants.count())
}

func TestHub_StartedPrecedesDataWhenRelayAlreadyPublishing(t *testing.T) {
	h, _, relays := newTestHub(t, 8)
	relays.onEnsure = func() {
		h.Publish("cam-1", []byte("chunk-1"))
		h.Publish("cam-1", []byte("chunk-2"))
	}

	conn := &fakeConn{}
	subscribe(t, h, "a", "cam-1", conn)

	require.Eventually(t, func() bool { return len(conn.all()) == 3 }, time.Second, 5*time.Millisecond)
	frames := conn.all()
	first, ok := frames[0].(domain.StreamFrame)
	require.True(t, ok)
	assert.Equal(t, domain.FrameStarted, first.Type)
	assert.Equal(t, "Front Door", first.Message)
	assert.Len(t, conn.dataFrames(), 2)
}

func TestHub_FailedJoinWritesNothing(t *testing.T) {
	h, _, relays := newTestHub(t, 8)
	relays.err = fmt.Errorf("%w: connection refused", domain.ErrUpstreamUnavailable)

	conn := &fakeConn{}
	err := h.Subscribe(context.Background(), ports.Subscription{
		ConnID:    "a",
		SourceID:  "cam-1",
		Admission: &domain.Admission{ID: "adm-a"},
		Conn:      conn,
	})

	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.all())
}

func TestHub_SubscribeRejectsDuplicateAndUnknownSource(t *testing.T) {
	h, grants, _ := newTestHub(t, 8)
	subscribe(t, h, "a", "cam-1", &fakeConn{})

	err := h.Subscribe(context.Background(), ports.Subscription{
		ConnID: "a", SourceID: "cam-2", Admission: &domain.Admission{ID: "adm-dup"}, Conn: &fakeConn{},
	})
	assert.ErrorIs(t, err, domain.ErrSubscriberExists)

	err = h.Subscribe(context.Background(), ports.Subscription{
		ConnID: "z", SourceID: "cam-9", Admission: &domain.Admission{ID: "adm-z"}, Conn: &fakeConn{},
	})
	assert.ErrorIs(t, err, domain.ErrSourceNotFound)
	assert.Equal(t, 2, grants.count())
	assert.Equal(t, 1, h.SubscriberCount("cam-1"))
}

func TestHub_WriteFailureUnsubscribes(t *testing.T) {
	h, grants, relays := newTestHub(t, 8)
	broken := &fakeConn{fail: errors.New("broken pipe")}
	subscribe(t, h, "a", "cam-1", broken)

	h.Publish("cam-1", []byte("X"))

	assert.Eventually(t, func() bool { return h.SubscriberCount("cam-1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return grants.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, relays.releases("cam-1"))
}

func TestHub_SourceFailedSendsErrorAndCloses(t *testing.T) {
	h, grants, _ := newTestHub(t, 8)
	a := &fakeConn{}
	subscribe(t, h, "a", "cam-1", a)

	h.SourceFailed("cam-1", fmt.Errorf("%w: exited 3 times", domain.ErrUpstreamUnavailable))

	assert.Eventually(t, func() bool {
		closed, code := a.isClosed()
		return closed && code == domain.CloseUpstreamUnavailable
	}, time.Second, 5*time.Millisecond)

	frames := a.all()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1].(domain.StreamFrame)
	assert.Equal(t, domain.FrameError, last.Type)
	assert.Equal(t, "upstream_unavailable", last.Code)
	assert.Equal(t, 1, grants.count())
}

func TestHub_SourceStoppedEndsViewersNormally(t *testing.T) {
	h, grants, relays := newTestHub(t, 8)
	a := &fakeConn{}
	b := &fakeConn{}
	subscribe(t, h, "a", "cam-1", a)
	subscribe(t, h, "b", "cam-1", b)

	h.SourceStopped("cam-1")

	for _, conn := range []*fakeConn{a, b} {
		conn := conn
		assert.Eventually(t, func() bool {
			closed, code := conn.isClosed()
			return closed && code == domain.CloseNormal
		}, time.Second, 5*time.Millisecond)
		frames := conn.all()
		require.NotEmpty(t, frames)
		last := frames[len(frames)-1].(domain.StreamFrame)
		assert.Equal(t, domain.FrameStopped, last.Type)
		assert.Equal(t, domain.SourceID("cam-1"), last.SourceID)
	}
	assert.Equal(t, 0, h.SubscriberCount("cam-1"))
	assert.Equal(t, 2, grants.count())
	assert.Equal(t, 1, relays.releases("cam-1"))
}

func TestHub_BroadcastControl(t *testing.T) {
	h, _, _ := newTestHub(t, 16)

	a := &fakeConn{}
	b := &fakeConn{}
	h.RegisterControl("a", a)
	h.RegisterControl("b", b)
	assert.Equal(t, 2, h.ControlCount())

	for i := 0; i < 5; i++ {
		h.BroadcastControl(domain.ControlMessage{Type: "chat_message", Data: i}, "b")
	}

	assert.Eventually(t, func() bool { return len(a.all()) == 5 }, time.Second, 5*time.Millisecond)
	for i, f := range a.all() {
		assert.Equal(t, i, f.(domain.ControlMessage).Data, "control frames keep send order")
	}
	assert.Empty(t, b.all())

	h.UnregisterControl("a")
	h.UnregisterControl("a")
	assert.Equal(t, 1, h.ControlCount())
}
