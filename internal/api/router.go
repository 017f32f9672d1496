package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/harrylevesque/fleetsync/internal/auth"
	"github.com/harrylevesque/fleetsync/internal/hub"
	"github.com/harrylevesque/fleetsync/internal/store"
	"github.com/rs/zerolog"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store store.Store
	hub   *hub.Hub
	auth  *auth.Auth
	log   zerolog.Logger
	now   func() time.Time
}

func NewServer(st store.Store, h *hub.Hub, a *auth.Auth, log zerolog.Logger) *Server {
	return &Server{
		store: st,
		hub:   h,
		auth:  a,
		log:   log.With().Str("component", "api").Logger(),
		now:   time.Now,
	}
}

func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/time", GetTimeHandler).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.LoginHandler).Methods("POST")

	// device endpoints are unauthenticated
	api.HandleFunc("/register-device", s.RegisterDeviceHandler).Methods("POST")
	api.HandleFunc("/update-permission", s.UpdatePermissionHandler).Methods("POST")
	api.HandleFunc("/register", s.SubmitRecordHandler).Methods("POST")
	api.HandleFunc("/check-resubmit", s.CheckResubmitHandler).Methods("GET")
	api.HandleFunc("/messages", s.AppendMessageHandler).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(s.auth.Middleware)
	admin.HandleFunc("/devices", s.ListDevicesHandler).Methods("GET")
	admin.HandleFunc("/devices/{id}/messages", s.DeviceMessagesHandler).Methods("GET")
	admin.HandleFunc("/request-permission", s.RequestPermissionHandler).Methods("POST")
	admin.HandleFunc("/prompt-resubmit", s.PromptResubmitHandler).Methods("POST")
	admin.HandleFunc("/delete-device", s.DeleteDeviceHandler).Methods("POST")

	r.Handle("/ws/client", s.hub.Handler(hub.RoleDevice)).Methods("GET")
	r.Handle("/ws/admin", s.auth.Middleware(s.hub.Handler(hub.RoleAdmin))).Methods("GET")
	return r
}
