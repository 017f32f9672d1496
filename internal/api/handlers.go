package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/harrylevesque/fleetsync/internal/hub"
	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/protocol"
	"github.com/harrylevesque/fleetsync/internal/store"
)

// Response is the envelope of every /api reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

type registerDeviceRequest struct {
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

type permissionRequest struct {
	DeviceID   string `json:"deviceId"`
	Permission *bool  `json:"permission"`
}

// SubmitRequest is the flat body of POST /api/register.
type SubmitRequest struct {
	DeviceID   string `json:"deviceId"`
	Permission bool   `json:"permission"`
	models.Record
}

// JSONResponse writes a JSON response.
func JSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func fail(w http.ResponseWriter, status int, msg string) {
	JSONResponse(w, status, Response{Success: false, Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(dst); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// storeError maps store errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.Is(err, store.ErrDeviceNotFound):
		fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDeviceDeleted):
		fail(w, http.StatusGone, err.Error())
	case errors.Is(err, store.ErrAlreadyAccepted):
		fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrEmptyDeviceID), errors.As(err, &verr):
		fail(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("store failure")
		fail(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) rosterChanged() {
	s.hub.BroadcastAdmins(protocol.MustEncode(protocol.TypeDevicesUpdated, "", nil))
}

// GetTimeHandler returns the current server time in RFC3339 format
func GetTimeHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]string{"time": time.Now().Format(time.RFC3339)})
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.auth.Login(req.Password)
	if err != nil {
		s.log.Warn().Str("remote", clientIP(r)).Msg("admin login failed")
		fail(w, http.StatusUnauthorized, "login failed")
		return
	}
	JSONResponse(w, http.StatusOK, Response{Success: true, Token: sess.Token})
}

func (s *Server) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decode(w, r, &req) {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		at = s.now()
	}
	origin := store.Origin{
		IP:      clientIP(r),
		Country: r.Header.Get("CF-IPCountry"),
		City:    r.Header.Get("CF-IPCity"),
	}
	created, err := s.store.RegisterDevice(req.DeviceID, origin, at)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if created {
		s.log.Info().Str("device", req.DeviceID).Str("ip", origin.IP).Msg("device registered")
		s.rosterChanged()
	}
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) UpdatePermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Permission == nil {
		fail(w, http.StatusBadRequest, "deviceId and permission are required")
		return
	}
	changed, err := s.store.UpdatePermission(req.DeviceID, *req.Permission)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if changed {
		s.log.Info().Str("device", req.DeviceID).Bool("permission", *req.Permission).Msg("permission changed")
		s.rosterChanged()
	}
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) SubmitRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	rec := req.Record.Normalize()
	if err := rec.Validate(); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.SubmitRecord(req.DeviceID, rec, req.Permission, s.now()); err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info().Str("device", req.DeviceID).Msg("record accepted")
	s.rosterChanged()
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) CheckResubmitHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deviceId")
	if id == "" {
		fail(w, http.StatusBadRequest, models.ErrEmptyDeviceID.Error())
		return
	}
	pending, err := s.store.TakeResubmit(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"resubmit": pending})
}

func (s *Server) AppendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if !decode(w, r, &msg) {
		return
	}
	if msg.DeviceID == "" {
		fail(w, http.StatusBadRequest, models.ErrEmptyDeviceID.Error())
		return
	}
	if err := s.store.AppendMessage(msg); err != nil {
		s.storeError(w, err)
		return
	}
	s.hub.SendToRoom(msg.DeviceID, hub.RoleAdmin, protocol.MustEncode(protocol.TypeNewMessage, msg.DeviceID, msg))
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, Response{Success: true, Data: s.store.List()})
}

func (s *Server) DeviceMessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, Response{Success: true, Data: msgs})
}

func (s *Server) RequestPermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.store.Get(req.DeviceID); err != nil {
		s.storeError(w, err)
		return
	}
	n := s.hub.SendToRoom(req.DeviceID, hub.RoleDevice, protocol.MustEncode(protocol.TypeRequestPermission, req.DeviceID, nil))
	s.log.Info().Str("device", req.DeviceID).Int("delivered", n).Msg("permission requested")
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) PromptResubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.store.RequestResubmit(req.DeviceID); err != nil {
		s.storeError(w, err)
		return
	}
	n := s.hub.SendToRoom(req.DeviceID, hub.RoleDevice, protocol.MustEncode(protocol.TypePromptResubmit, req.DeviceID, nil))
	s.log.Info().Str("device", req.DeviceID).Int("delivered", n).Msg("resubmission requested")
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

func (s *Server) DeleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.store.Delete(req.DeviceID); err != nil {
		s.storeError(w, err)
		return
	}
	s.hub.CloseRoom(req.DeviceID)
	s.log.Info().Str("device", req.DeviceID).Msg("device deleted")
	s.rosterChanged()
	JSONResponse(w, http.StatusOK, Response{Success: true})
}

// clientIP returns the first X-Forwarded-For hop or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
