// Package session implements the authorization state machine: validate
// a connect request against the device registry and subnet policy,
// install a timed firewall pairing, and persist the session. The
// packet filter's countdown and the ledger's active flag are two
// independently expiring views of the same grant; the expiry sweep
// reconverges them.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/logging"
	"github.com/castgate/castgate/internal/metrics"
	"github.com/castgate/castgate/internal/store"
	"github.com/castgate/castgate/internal/validation"
)

// Termination causes recorded in metrics and the activity log.
const (
	causeManual  = "manual"
	causeExpired = "expired"
	causeCascade = "cascade"
)

// PairFilter is the slice of the firewall orchestrator the manager
// drives. RemovePair must treat an already-absent pair as success.
type PairFilter interface {
	AddPair(clientIP, targetIP string, timeoutSeconds int) error
	RemovePair(clientIP, targetIP string) error
}

// Config is the authorization policy.
type Config struct {
	ClientSubnet    string // CIDR clients must connect from
	TargetSubnet    string // CIDR registered devices must live in
	SessionDuration time.Duration
}

// Manager owns the session lifecycle.
type Manager struct {
	cfg    Config
	store  *store.Store
	filter PairFilter
	clock  clock.Clock
	logger *logging.Logger
}

// NewManager wires the manager to its collaborators.
func NewManager(cfg Config, st *store.Store, filter PairFilter, logger *logging.Logger) *Manager {
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 2 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		filter: filter,
		clock:  &clock.RealClock{},
		logger: logger.WithComponent("session"),
	}
}

// SetClock sets the time source for testing.
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// Authorize validates a connect request and, on success, installs the
// timed pairing and persists a new session. Validation order: device
// lookup, client subnet, target subnet, enabled flag. If the filter
// operation fails no session record is written.
func (m *Manager) Authorize(ctx context.Context, room, clientIP, userAgent string) (*store.Session, error) {
	reg := metrics.Get()

	device, err := m.store.FindDeviceByRoom(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		reg.AuthorizationsRejected.WithLabelValues("device_not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, room)
	}
	if err != nil {
		return nil, fmt.Errorf("look up device for %q: %w", room, err)
	}

	if !validation.IsInNetwork(clientIP, m.cfg.ClientSubnet) {
		reg.AuthorizationsRejected.WithLabelValues("invalid_network").Inc()
		m.store.AppendActivity(ctx, m.clock.Now(), store.ActivityWarning,
			fmt.Sprintf("connect rejected for room %s: client off-subnet", room), "", clientIP)
		return nil, fmt.Errorf("%w: connect from the %s network", ErrInvalidNetwork, m.cfg.ClientSubnet)
	}

	if !validation.IsInNetwork(device.IPAddress, m.cfg.TargetSubnet) {
		reg.AuthorizationsRejected.WithLabelValues("configuration").Inc()
		m.logger.Error("device address outside target subnet",
			"room", room, "target", device.IPAddress, "subnet", m.cfg.TargetSubnet)
		return nil, fmt.Errorf("%w: device %s is outside %s", ErrConfiguration, device.IPAddress, m.cfg.TargetSubnet)
	}

	if device.Status != store.DeviceActive {
		reg.AuthorizationsRejected.WithLabelValues("device_inactive").Inc()
		return nil, fmt.Errorf("%w: %q", ErrDeviceInactive, room)
	}

	now := m.clock.Now()
	expires := now.Add(m.cfg.SessionDuration)
	timeout := int(expires.Sub(now).Seconds())

	if err := m.filter.AddPair(clientIP, device.IPAddress, timeout); err != nil {
		reg.FilterErrors.WithLabelValues("add").Inc()
		reg.AuthorizationsRejected.WithLabelValues("filter").Inc()
		m.logger.Error("pair install failed",
			"room", room, "client", clientIP, "target", device.IPAddress, "error", err)
		return nil, ErrAuthorizationFailed
	}
	reg.PairsAdded.Inc()

	sess := store.Session{
		ID:           uuid.NewString(),
		Room:         room,
		ClientIP:     clientIP,
		TargetIP:     device.IPAddress,
		CreatedAt:    now,
		ExpiresAt:    expires,
		Active:       true,
		UserAgent:    userAgent,
		LastActivity: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		// Roll back the grant rather than leave a pairing with no ledger
		// record behind it.
		if rmErr := m.filter.RemovePair(clientIP, device.IPAddress); rmErr != nil {
			m.logger.Error("rollback remove failed", "session", sess.ID, "error", rmErr)
		}
		return nil, fmt.Errorf("persist session: %w", err)
	}

	reg.AuthorizationsGranted.Inc()
	reg.ActiveSessions.Inc()
	m.store.AppendActivity(ctx, now, store.ActivityInfo,
		fmt.Sprintf("session authorized for room %s until %s", room, expires.Format(time.RFC3339)),
		sess.ID, clientIP)
	m.logger.Info("session authorized",
		"session", sess.ID, "room", room, "client", clientIP, "target", device.IPAddress,
		"expires", expires)
	return &sess, nil
}

// Terminate closes a session by explicit request. The pairing is
// removed before the ledger is updated; a crash in between leaves a
// still-active record with the rule already gone, which the sweep
// re-terminates safely.
func (m *Manager) Terminate(ctx context.Context, id, sourceIP string) error {
	sess, err := m.store.FindSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("look up session %q: %w", id, err)
	}
	if !sess.Active {
		return fmt.Errorf("%w: %q", ErrAlreadyTerminated, id)
	}
	return m.terminate(ctx, sess, causeManual, sourceIP)
}

// TerminateForRoom closes every active session bound to a room. Used
// when a device is deleted or disabled. Individual failures are logged
// and do not stop the rest of the batch; the count of sessions closed
// is returned.
func (m *Manager) TerminateForRoom(ctx context.Context, room, sourceIP string) (int, error) {
	sessions, err := m.store.ActiveSessionsForRoom(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("list sessions for room %q: %w", room, err)
	}

	closed := 0
	for i := range sessions {
		if err := m.terminate(ctx, &sessions[i], causeCascade, sourceIP); err != nil {
			m.logger.Error("cascade termination failed",
				"session", sessions[i].ID, "room", room, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// SweepExpired is one reconciliation pass: every session whose expiry
// has passed but is still marked active goes through the same
// remove-then-mark path as manual termination. A failure on one
// session never aborts the rest of the tick.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	reg := metrics.Get()
	reg.SweepTicks.Inc()

	now := m.clock.Now()
	expired, err := m.store.ActiveSessionsExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}

	reclaimed := 0
	for i := range expired {
		if err := m.terminate(ctx, &expired[i], causeExpired, ""); err != nil {
			m.logger.Error("sweep termination failed",
				"session", expired[i].ID, "error", err)
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		reg.SweepReclaimed.Add(float64(reclaimed))
		m.logger.Info("expired sessions reclaimed", "count", reclaimed)
	}
	return reclaimed, nil
}

func (m *Manager) terminate(ctx context.Context, sess *store.Session, cause, sourceIP string) error {
	reg := metrics.Get()

	if err := m.filter.RemovePair(sess.ClientIP, sess.TargetIP); err != nil {
		reg.FilterErrors.WithLabelValues("remove").Inc()
		return fmt.Errorf("remove pairing: %w", err)
	}
	reg.PairsRemoved.Inc()

	if err := m.store.MarkSessionInactive(ctx, sess.ID); err != nil {
		return fmt.Errorf("mark inactive: %w", err)
	}

	reg.Terminations.WithLabelValues(cause).Inc()
	reg.ActiveSessions.Dec()
	m.store.AppendActivity(ctx, m.clock.Now(), store.ActivityInfo,
		fmt.Sprintf("session terminated (%s) for room %s", cause, sess.Room),
		sess.ID, sourceIP)
	m.logger.Info("session terminated",
		"session", sess.ID, "room", sess.Room, "cause", cause)
	return nil
}
