package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/store"
)

type pairCall struct {
	client  string
	target  string
	timeout int
}

type fakeFilter struct {
	mu        sync.Mutex
	added     []pairCall
	removed   []pairCall
	addErr    error
	removeErr error
}

func (f *fakeFilter) AddPair(clientIP, targetIP string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, pairCall{clientIP, targetIP, timeoutSeconds})
	return nil
}

func (f *fakeFilter) RemovePair(clientIP, targetIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, pairCall{client: clientIP, target: targetIP})
	return nil
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeFilter, *clock.MockClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "castgate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	filter := &fakeFilter{}
	mc := clock.NewMockClock(testStart)

	m := NewManager(Config{
		ClientSubnet:    "192.168.10.0/24",
		TargetSubnet:    "192.168.20.0/24",
		SessionDuration: 2 * time.Hour,
	}, st, filter, nil)
	m.SetClock(mc)
	return m, st, filter, mc
}

func registerDevice(t *testing.T, st *store.Store, room, ip string, status store.DeviceStatus) {
	t.Helper()
	err := st.CreateDevice(context.Background(), store.Device{
		Room: room, Name: room, IPAddress: ip, Status: status, CreatedAt: testStart,
	})
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
}

func TestAuthorizeHappyPath(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)

	sess, err := m.Authorize(ctx, "living-room", "192.168.10.5", "test-agent")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if sess.ID == "" {
		t.Error("session id not generated")
	}
	if sess.ClientIP != "192.168.10.5" || sess.TargetIP != "192.168.20.50" {
		t.Errorf("unexpected endpoints: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(testStart.Add(2 * time.Hour)) {
		t.Errorf("expiry = %v, want created+2h", sess.ExpiresAt)
	}

	if len(filter.added) != 1 {
		t.Fatalf("expected 1 AddPair call, got %d", len(filter.added))
	}
	call := filter.added[0]
	if call.client != "192.168.10.5" || call.target != "192.168.20.50" || call.timeout != 7200 {
		t.Errorf("AddPair called with %+v, want (192.168.10.5, 192.168.20.50, 7200)", call)
	}

	stored, err := st.FindSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if !stored.Active {
		t.Error("persisted session not active")
	}
}

func TestAuthorizeOffSubnetClient(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)

	_, err := m.Authorize(context.Background(), "living-room", "192.168.99.5", "")
	if !errors.Is(err, ErrInvalidNetwork) {
		t.Fatalf("got %v, want ErrInvalidNetwork", err)
	}
	if len(filter.added) != 0 {
		t.Errorf("filter touched for a rejected request: %+v", filter.added)
	}
}

func TestAuthorizeValidationOrder(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()

	registerDevice(t, st, "misconfigured", "10.0.0.9", store.DeviceActive)
	registerDevice(t, st, "disabled", "192.168.20.60", store.DeviceInactive)

	tests := []struct {
		name     string
		room     string
		clientIP string
		want     error
	}{
		{"unknown room", "attic", "192.168.10.5", ErrDeviceNotFound},
		{"off-subnet client beats device checks", "misconfigured", "192.168.99.5", ErrInvalidNetwork},
		{"target outside subnet", "misconfigured", "192.168.10.5", ErrConfiguration},
		{"disabled device", "disabled", "192.168.10.5", ErrDeviceInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Authorize(ctx, tt.room, tt.clientIP, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if len(filter.added) != 0 {
		t.Errorf("filter touched during rejected requests: %+v", filter.added)
	}
}

func TestAuthorizeFilterFailureWritesNoRecord(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)
	filter.addErr = errors.New("nft: Operation not permitted")

	_, err := m.Authorize(ctx, "living-room", "192.168.10.5", "")
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("got %v, want ErrAuthorizationFailed", err)
	}
	// Raw tool output must not leak to the caller.
	if errors.Unwrap(err) != nil {
		t.Errorf("filter diagnostics leaked: %v", err)
	}

	sessions, _ := st.ListActiveSessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("session persisted despite filter failure: %+v", sessions)
	}
}

func TestTerminate(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)

	sess, err := m.Authorize(ctx, "living-room", "192.168.10.5", "")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	if err := m.Terminate(ctx, sess.ID, "192.168.10.5"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if len(filter.removed) != 1 || filter.removed[0].client != "192.168.10.5" {
		t.Errorf("unexpected RemovePair calls: %+v", filter.removed)
	}

	stored, _ := st.FindSession(ctx, sess.ID)
	if stored.Active {
		t.Error("session still active after termination")
	}

	if err := m.Terminate(ctx, sess.ID, ""); !errors.Is(err, ErrAlreadyTerminated) {
		t.Errorf("second terminate: got %v, want ErrAlreadyTerminated", err)
	}
	if err := m.Terminate(ctx, "no-such-id", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id: got %v, want ErrSessionNotFound", err)
	}
}

func TestTerminateFilterFailureKeepsLedgerActive(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)

	sess, err := m.Authorize(ctx, "living-room", "192.168.10.5", "")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	filter.removeErr = errors.New("nft: Operation not permitted")
	if err := m.Terminate(ctx, sess.ID, ""); err == nil {
		t.Fatal("expected error from failed removal")
	}

	// Removal runs before the mark; on failure the record stays active
	// so a later sweep retries the close.
	stored, _ := st.FindSession(ctx, sess.ID)
	if !stored.Active {
		t.Error("ledger marked inactive despite failed removal")
	}
}

func TestSweepExpired(t *testing.T) {
	m, st, filter, mc := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)
	registerDevice(t, st, "kitchen", "192.168.20.51", store.DeviceActive)

	expiring, err := m.Authorize(ctx, "living-room", "192.168.10.5", "")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	mc.Advance(time.Hour)
	fresh, err := m.Authorize(ctx, "kitchen", "192.168.10.6", "")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	filter.added = nil
	filter.removed = nil

	// Step past the first session's expiry but not the second's.
	mc.Advance(time.Hour + time.Second)
	reclaimed, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	if len(filter.removed) != 1 || filter.removed[0].client != "192.168.10.5" {
		t.Errorf("unexpected RemovePair calls: %+v", filter.removed)
	}

	swept, _ := st.FindSession(ctx, expiring.ID)
	if swept.Active {
		t.Error("expired session still active after sweep")
	}
	live, _ := st.FindSession(ctx, fresh.ID)
	if !live.Active {
		t.Error("unexpired session terminated by sweep")
	}

	// A second tick finds nothing to do and issues no filter calls.
	filter.removed = nil
	reclaimed, err = m.SweepExpired(ctx)
	if err != nil || reclaimed != 0 {
		t.Fatalf("idle sweep = %d, %v", reclaimed, err)
	}
	if len(filter.removed) != 0 {
		t.Errorf("idle sweep touched the filter: %+v", filter.removed)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	m, st, filter, mc := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)
	registerDevice(t, st, "kitchen", "192.168.20.51", store.DeviceActive)

	if _, err := m.Authorize(ctx, "living-room", "192.168.10.5", ""); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if _, err := m.Authorize(ctx, "kitchen", "192.168.10.6", ""); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	mc.Advance(3 * time.Hour)

	// First removal fails, second succeeds. One session is reclaimed and
	// the failed one is retried next tick.
	calls := 0
	m.filter = removeOnceFailer{inner: filter, failFirst: &calls}

	reclaimed, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}

	n, _ := st.CountActiveSessions(ctx)
	if n != 1 {
		t.Errorf("active sessions after partial sweep = %d, want 1", n)
	}
}

type removeOnceFailer struct {
	inner     *fakeFilter
	failFirst *int
}

func (r removeOnceFailer) AddPair(clientIP, targetIP string, timeoutSeconds int) error {
	return r.inner.AddPair(clientIP, targetIP, timeoutSeconds)
}

func (r removeOnceFailer) RemovePair(clientIP, targetIP string) error {
	*r.failFirst++
	if *r.failFirst == 1 {
		return errors.New("nft: resource busy")
	}
	return r.inner.RemovePair(clientIP, targetIP)
}

func TestTerminateForRoom(t *testing.T) {
	m, st, filter, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)
	registerDevice(t, st, "kitchen", "192.168.20.51", store.DeviceActive)

	for _, ip := range []string{"192.168.10.5", "192.168.10.6"} {
		if _, err := m.Authorize(ctx, "living-room", ip, ""); err != nil {
			t.Fatalf("Authorize failed: %v", err)
		}
	}
	if _, err := m.Authorize(ctx, "kitchen", "192.168.10.7", ""); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	filter.removed = nil
	closed, err := m.TerminateForRoom(ctx, "living-room", "admin")
	if err != nil {
		t.Fatalf("TerminateForRoom failed: %v", err)
	}
	if closed != 2 || len(filter.removed) != 2 {
		t.Errorf("closed %d sessions with %d removals, want 2 and 2", closed, len(filter.removed))
	}

	remaining, _ := st.ActiveSessionsForRoom(ctx, "kitchen")
	if len(remaining) != 1 {
		t.Errorf("kitchen sessions affected by living-room cascade: %+v", remaining)
	}
}

func TestAuthorizeRecordsActivity(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	registerDevice(t, st, "living-room", "192.168.20.50", store.DeviceActive)

	sess, err := m.Authorize(ctx, "living-room", "192.168.10.5", "")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	entries, err := st.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("RecentActivity failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.SessionID == sess.ID && e.Level == store.ActivityInfo {
			found = true
		}
	}
	if !found {
		t.Errorf("no activity entry for authorized session: %+v", entries)
	}
}
