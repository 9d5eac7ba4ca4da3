package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/castgate/castgate/internal/auth"
	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/session"
	"github.com/castgate/castgate/internal/store"
	"github.com/castgate/castgate/internal/validation"
)

type connectRequest struct {
	Room string `json:"room"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		s.writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	ip := clientIP(r)
	sess, err := s.sessions.Authorize(r.Context(), req.Room, ip, r.UserAgent())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Terminate(r.Context(), id, clientIP(r)); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "id": id})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context(), true)
	if err != nil {
		s.logger.Error("list devices", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not list devices")
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	device, err := s.store.FindDeviceByRoom(r.Context(), room)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no device registered for this room")
		return
	}
	if err != nil {
		s.logger.Error("find device", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not look up device")
		return
	}

	reachable := s.prober.IsReachable(r.Context(), device.IPAddress)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":      room,
		"ip":        device.IPAddress,
		"reachable": reachable,
	})
}

// handleQR serves a scannable connect code for a room. The default
// response is a PNG; format=json returns the URL and a live probe
// result instead.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	device, err := s.store.FindDeviceByRoom(r.Context(), room)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no device registered for this room")
		return
	}
	if err != nil {
		s.logger.Error("find device", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not look up device")
		return
	}

	url := fmt.Sprintf("http://%s:%d/connect/%s", s.cfg.ManagementIP, s.cfg.ManagementPort, room)

	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"room":      room,
			"url":       url,
			"reachable": s.prober.IsReachable(r.Context(), device.IPAddress),
		})
		return
	}

	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("encode qr", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not generate code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		s.logger.Error("write qr", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	activeSessions, err := s.store.CountActiveSessions(r.Context())
	if err != nil {
		s.logger.Error("count sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not read status")
		return
	}
	devices, err := s.store.CountDevices(r.Context())
	if err != nil {
		s.logger.Error("count devices", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not read status")
		return
	}

	status := map[string]any{
		"active_sessions": activeSessions,
		"devices":         devices,
		"uptime_seconds":  int(clock.Since(s.startTime).Seconds()),
	}

	// The filter view is diagnostic; a listing failure degrades the
	// status report rather than failing it.
	pairs, err := s.filter.ListPairs()
	if err != nil {
		status["filter"] = map[string]any{"healthy": false}
		s.logger.Warn("list pairs for status", "error", err)
	} else {
		status["filter"] = map[string]any{"healthy": true, "pairs": len(pairs)}
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.store.RecentActivity(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent activity", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not read activity log")
		return
	}
	if entries == nil {
		entries = []store.ActivityEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	if s.cfg.AdminPasswordHash == "" {
		s.writeError(w, http.StatusForbidden, "admin login is not configured")
		return
	}
	if err := auth.CheckPassword(s.cfg.AdminPasswordHash, req.Password); err != nil {
		s.store.AppendActivity(r.Context(), clock.Now(), store.ActivityWarning,
			"failed admin login", "", clientIP(r))
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Issue("admin")
	if err != nil {
		s.logger.Error("issue token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(auth.TokenTTL.Seconds()),
	})
}

type createDeviceRequest struct {
	Room       string `json:"room"`
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validation.ValidateIdentifier(req.Room); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid room key")
		return
	}
	if !validation.IsIPv4(req.IPAddress) {
		s.writeError(w, http.StatusBadRequest, "ip_address must be an IPv4 address")
		return
	}
	if !validation.IsInNetwork(req.IPAddress, s.cfg.TargetSubnet) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("device address must be inside %s", s.cfg.TargetSubnet))
		return
	}
	if req.Name == "" {
		req.Name = req.Room
	}

	device := store.Device{
		Room:       req.Room,
		Name:       req.Name,
		IPAddress:  req.IPAddress,
		MACAddress: req.MACAddress,
		Status:     store.DeviceActive,
		CreatedAt:  clock.Now(),
	}
	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, store.ErrDuplicateRoom) {
			s.writeError(w, http.StatusConflict, "room already registered")
			return
		}
		s.logger.Error("create device", "room", req.Room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not register device")
		return
	}

	s.store.AppendActivity(r.Context(), clock.Now(), store.ActivityInfo,
		fmt.Sprintf("device registered for room %s", req.Room), "", clientIP(r))
	s.writeJSON(w, http.StatusCreated, device)
}

// handleDeleteDevice removes a registration and closes every active
// session bound to it so no pairing outlives its device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	closed, err := s.sessions.TerminateForRoom(r.Context(), room, clientIP(r))
	if err != nil {
		s.logger.Error("cascade terminate", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not close sessions")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no device registered for this room")
			return
		}
		s.logger.Error("delete device", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not delete device")
		return
	}

	s.store.AppendActivity(r.Context(), clock.Now(), store.ActivityInfo,
		fmt.Sprintf("device removed for room %s", room), "", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "deleted",
		"room":            room,
		"sessions_closed": closed,
	})
}

type setStatusRequest struct {
	Status store.DeviceStatus `json:"status"`
}

func (s *Server) handleSetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		(req.Status != store.DeviceActive && req.Status != store.DeviceInactive) {
		s.writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}

	if err := s.store.SetDeviceStatus(r.Context(), room, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no device registered for this room")
			return
		}
		s.logger.Error("set device status", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not update device")
		return
	}

	closed := 0
	if req.Status == store.DeviceInactive {
		var err error
		closed, err = s.sessions.TerminateForRoom(r.Context(), room, clientIP(r))
		if err != nil {
			// The device is already disabled; surviving sessions are
			// picked up by the expiry sweep.
			s.logger.Error("cascade terminate", "room", room, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"room":            room,
		"status":          req.Status,
		"sessions_closed": closed,
	})
}

// writeSessionError maps the authorization error taxonomy to HTTP
// statuses. Messages are the sentinel texts; filter diagnostics never
// reach the client.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrDeviceNotFound):
		s.writeError(w, http.StatusNotFound, session.ErrDeviceNotFound.Error())
	case errors.Is(err, session.ErrInvalidNetwork):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrDeviceInactive):
		s.writeError(w, http.StatusForbidden, session.ErrDeviceInactive.Error())
	case errors.Is(err, session.ErrConfiguration):
		s.writeError(w, http.StatusInternalServerError, session.ErrConfiguration.Error())
	case errors.Is(err, session.ErrAuthorizationFailed):
		s.writeError(w, http.StatusInternalServerError, session.ErrAuthorizationFailed.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
	case errors.Is(err, session.ErrAlreadyTerminated):
		s.writeError(w, http.StatusConflict, session.ErrAlreadyTerminated.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
