package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/portal"
	"github.com/silver/wakelobby/internal/wake"
)

type connectCall struct {
	playerID uuid.UUID
	server   string
}

// fakeProxy is a scriptable Proxy double. pingFails sets how many probes a
// server fails before answering; -1 means it never answers.
type fakeProxy struct {
	mu           sync.Mutex
	registered   map[string]bool
	pingFails    map[string]int
	pings        map[string]int
	location     map[uuid.UUID]string
	disconnected map[uuid.UUID]bool
	connects     []connectCall
	connectErr   error
	arrivals     []string
	messages     []string
}

func newFakeProxy(servers ...string) *fakeProxy {
	f := &fakeProxy{
		registered:   make(map[string]bool),
		pingFails:    make(map[string]int),
		pings:        make(map[string]int),
		location:     make(map[uuid.UUID]string),
		disconnected: make(map[uuid.UUID]bool),
	}
	for _, s := range servers {
		f.registered[s] = true
	}
	return f
}

func (f *fakeProxy) HasServer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[name]
}

func (f *fakeProxy) Ping(_ context.Context, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings[server]++
	remaining := f.pingFails[server]
	if remaining == 0 {
		return nil
	}
	if remaining > 0 {
		f.pingFails[server] = remaining - 1
	}
	return context.DeadlineExceeded
}

func (f *fakeProxy) Connect(_ context.Context, playerID uuid.UUID, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, connectCall{playerID: playerID, server: server})
	if f.connectErr != nil {
		return f.connectErr
	}
	f.location[playerID] = server
	return nil
}

func (f *fakeProxy) CurrentServer(playerID uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected[playerID] {
		return "", false
	}
	return f.location[playerID], true
}

func (f *fakeProxy) SendMessage(_ uuid.UUID, text string) {
	f.mu.Lock()
	f.messages = append(f.messages, text)
	f.mu.Unlock()
}

func (f *fakeProxy) SendActionBar(uuid.UUID, string) {}

func (f *fakeProxy) DispatchPortalArrival(_ uuid.UUID, portalName string) {
	f.mu.Lock()
	f.arrivals = append(f.arrivals, portalName)
	f.mu.Unlock()
}

func (f *fakeProxy) connectCalls() []connectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectCall{}, f.connects...)
}

func (f *fakeProxy) pingCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[server]
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testRouter builds a router with probe timing scaled down for tests.
func testRouter(t *testing.T, fake *fakeProxy, allowed []string) (*Router, *portal.HandoffRegistry) {
	t.Helper()
	sender, err := wake.NewSender("192.0.2.255")
	if err != nil {
		t.Fatalf("error initializing wake sender: %s", err)
	}
	handoffs := portal.NewHandoffRegistry(testLogger())
	router := NewRouter(Config{
		HoldingServer:     "lobby",
		GracePeriod:       500 * time.Millisecond,
		PingInterval:      20 * time.Millisecond,
		InitialProbeDelay: 5 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
	}, RouterDeps{
		Proxy:        fake,
		Wake:         sender,
		Handoffs:     handoffs,
		Log:          testLogger(),
		ServerMACs:   map[string]string{},
		AllowedList:  func(uuid.UUID) []string { return allowed },
		IsPrivileged: func(uuid.UUID) bool { return false },
		DefaultOrder: func() []string { return allowed },
	})
	return router, handoffs
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStickyWaitConnectsAfterTargetComesUp(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival")
	fake.location[playerID] = "lobby"
	fake.pingFails["survival"] = 3

	router, handoffs := testRouter(t, fake, []string{"survival"})
	handoffs.Remember(playerID, "east_gate")

	router.BeginStickyWait(playerID, "survival", "lobby")
	if !router.HasStickyState(playerID) {
		t.Fatal("expected a live wait after BeginStickyWait")
	}

	waitFor(t, 2*time.Second, func() bool { return !router.HasStickyState(playerID) })

	connects := fake.connectCalls()
	if len(connects) != 1 {
		t.Fatalf("expected exactly one connect attempt, got %d", len(connects))
	}
	if connects[0].server != "survival" || connects[0].playerID != playerID {
		t.Errorf("unexpected connect %+v", connects[0])
	}
	if got := fake.pingCount("survival"); got != 4 {
		t.Errorf("expected 4 probes (3 failures then success), got %d", got)
	}
	if !router.ConsumeInternalOnce(playerID) {
		t.Error("expected the connect to be marked internal")
	}
	if router.IsReturnEligible(playerID) {
		t.Error("successful connect must not leave return eligibility")
	}
	if !router.IsLikelyUp("survival") {
		t.Error("expected target to be recorded as recently reachable")
	}

	fake.mu.Lock()
	arrivals := append([]string{}, fake.arrivals...)
	fake.mu.Unlock()
	if len(arrivals) != 1 || arrivals[0] != "east_gate" {
		t.Errorf("expected portal arrival for east_gate, got %v", arrivals)
	}
	if _, pending := handoffs.Peek(playerID); pending {
		t.Error("expected pending portal to be cleared after the arrival dispatch")
	}
}

func TestStickyWaitTimeoutMarksReturnEligible(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "hardcore")
	fake.location[playerID] = "lobby"
	fake.pingFails["hardcore"] = -1

	router, _ := testRouter(t, fake, []string{"hardcore"})
	router.BeginStickyWait(playerID, "hardcore", "survival")

	waitFor(t, 2*time.Second, func() bool { return !router.HasStickyState(playerID) })

	if got := fake.connectCalls(); len(got) != 0 {
		t.Errorf("expected no connect attempts, got %v", got)
	}
	if !router.IsReturnEligible(playerID) {
		t.Fatal("expected return eligibility after the grace period expired")
	}
	if got := router.ReturnOriginServer(playerID); got != "survival" {
		t.Errorf("ReturnOriginServer() = %q, want %q", got, "survival")
	}
	if got := router.ReturnTargetServer(playerID); got != "hardcore" {
		t.Errorf("ReturnTargetServer() = %q, want %q", got, "hardcore")
	}
}

func TestCancelStickyWaitIsIdempotent(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival")
	fake.location[playerID] = "lobby"
	fake.pingFails["survival"] = -1

	router, _ := testRouter(t, fake, []string{"survival"})

	// Cancelling with no wait must be a no-op.
	router.CancelStickyWait(playerID)
	router.CancelStickyWait(playerID)

	router.BeginStickyWait(playerID, "survival", "lobby")
	router.CancelStickyWait(playerID)
	router.CancelStickyWait(playerID)

	if router.HasStickyState(playerID) {
		t.Fatal("expected no wait after cancellation")
	}

	// The probe loop must actually stop, not just the map entry vanish.
	settled := fake.pingCount("survival")
	time.Sleep(100 * time.Millisecond)
	if got := fake.pingCount("survival"); got != settled {
		t.Errorf("probes continued after cancel: %d -> %d", settled, got)
	}
}

func TestStickyWaitCancelledByExternalMove(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival", "creative")
	fake.location[playerID] = "creative"
	fake.pingFails["survival"] = -1

	router, _ := testRouter(t, fake, []string{"survival"})
	router.BeginStickyWait(playerID, "survival", "lobby")

	waitFor(t, 2*time.Second, func() bool { return !router.HasStickyState(playerID) })

	if got := fake.connectCalls(); len(got) != 0 {
		t.Errorf("expected no connect attempts, got %v", got)
	}
	if router.IsReturnEligible(playerID) {
		t.Error("external move must not grant return eligibility")
	}
}

func TestStickyWaitAbandonedOnDisconnect(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival")
	fake.disconnected[playerID] = true
	fake.pingFails["survival"] = -1

	router, _ := testRouter(t, fake, []string{"survival"})
	router.BeginStickyWait(playerID, "survival", "lobby")

	waitFor(t, 2*time.Second, func() bool { return !router.HasStickyState(playerID) })

	if got := fake.connectCalls(); len(got) != 0 {
		t.Errorf("expected no connect attempts, got %v", got)
	}
}

func TestBeginStickyWaitReplacesExistingWait(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival", "hardcore")
	fake.location[playerID] = "lobby"
	fake.pingFails["survival"] = -1
	fake.pingFails["hardcore"] = -1

	router, _ := testRouter(t, fake, []string{"survival", "hardcore"})
	router.BeginStickyWait(playerID, "survival", "lobby")
	router.BeginStickyWait(playerID, "hardcore", "lobby")

	router.manager.mu.Lock()
	state := router.manager.waits[playerID]
	router.manager.mu.Unlock()
	if state == nil || state.target != "hardcore" {
		t.Fatalf("expected the live wait to track the newer target, got %+v", state)
	}

	router.CancelStickyWait(playerID)
}

func TestUpdateTimingsAppliesToNewWaitsOnly(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	fake := newFakeProxy("lobby", "survival")
	fake.location[first] = "lobby"
	fake.location[second] = "lobby"
	fake.pingFails["survival"] = -1

	router, _ := testRouter(t, fake, []string{"survival"})
	router.BeginStickyWait(first, "survival", "lobby")

	router.manager.mu.Lock()
	oldInterval := router.manager.waits[first].interval
	router.manager.mu.Unlock()

	router.UpdateTimings(10*time.Minute, time.Minute)

	router.manager.mu.Lock()
	kept := router.manager.waits[first].interval
	router.manager.mu.Unlock()
	if kept != oldInterval {
		t.Errorf("running wait interval changed from %s to %s", oldInterval, kept)
	}

	router.BeginStickyWait(second, "survival", "lobby")
	router.manager.mu.Lock()
	state := router.manager.waits[second]
	router.manager.mu.Unlock()
	if state.interval != time.Minute {
		t.Errorf("new wait interval = %s, want %s", state.interval, time.Minute)
	}
	if remaining := time.Until(state.deadline); remaining < 9*time.Minute {
		t.Errorf("new wait deadline only %s away, want close to 10m", remaining)
	}

	router.CancelStickyWait(first)
	router.CancelStickyWait(second)
}

func TestBeginStickyWaitClearsReturnEligibility(t *testing.T) {
	playerID := uuid.New()
	fake := newFakeProxy("lobby", "survival")
	fake.location[playerID] = "lobby"
	fake.pingFails["survival"] = -1

	router, _ := testRouter(t, fake, []string{"survival"})
	router.MarkReturnEligible(playerID, "survival", "hardcore")

	router.BeginStickyWait(playerID, "survival", "lobby")
	if router.IsReturnEligible(playerID) {
		t.Error("starting a wait must clear return eligibility")
	}
	router.CancelStickyWait(playerID)
}

func TestConsumeInternalOnce(t *testing.T) {
	fake := newFakeProxy("lobby")
	router, _ := testRouter(t, fake, nil)
	playerID := uuid.New()

	if router.ConsumeInternalOnce(playerID) {
		t.Error("expected false before any mark")
	}
	router.MarkInternalOnce(playerID)
	if !router.ConsumeInternalOnce(playerID) {
		t.Error("expected true on first consume")
	}
	if router.ConsumeInternalOnce(playerID) {
		t.Error("expected the flag to be one-shot")
	}
}
