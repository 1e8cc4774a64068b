package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

// Deps is everything the API surface needs, wired once in cmd/server.
type Deps struct {
	Logger   *slog.Logger
	Rides    *ride.Machine
	Engine   *dispatch.Engine
	Avail    *availability.Registry
	Location location.Store
	Pipeline *ingest.Pipeline
	Offers   *dispatch.WSRegistry
	Hub      *notify.Hub

	// BaseCtx outlives individual requests; dispatch attempts run on it so
	// a closed client connection cannot abort an in-flight protocol.
	BaseCtx context.Context
}

type Server struct {
	logger   *slog.Logger
	rides    *ride.Machine
	engine   *dispatch.Engine
	avail    *availability.Registry
	loc      location.Store
	pipeline *ingest.Pipeline
	offers   *dispatch.WSRegistry
	hub      *notify.Hub
	baseCtx  context.Context
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.BaseCtx == nil {
		d.BaseCtx = context.Background()
	}
	s := &Server{
		logger:   d.Logger,
		rides:    d.Rides,
		engine:   d.Engine,
		avail:    d.Avail,
		loc:      d.Location,
		pipeline: d.Pipeline,
		offers:   d.Offers,
		hub:      d.Hub,
		baseCtx:  d.BaseCtx,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleOfferResponse(true)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.handleOfferResponse(false)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrive", s.handleArrive).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocations).Methods("POST")
	s.mux.HandleFunc("/internal/drivers", s.handleDriverSnapshot).Methods("GET")
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRideWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	PassengerID   string       `json:"passenger_id"`
	Pickup        models.Coord `json:"pickup"`
	Dropoff       models.Coord `json:"dropoff"`
	PriceEstimate float64      `json:"price_estimate"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PassengerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("passenger_id is required"))
		return
	}
	created, err := s.rides.Create(r.Context(), req.PassengerID, req.Pickup, req.Dropoff, req.PriceEstimate)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	go func() {
		if err := s.engine.Dispatch(s.baseCtx, created); err != nil {
			s.logger.Error("dispatch attempt failed", "ride_id", created.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"` // passenger | driver
	ActorID     string `json:"actor_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := ride.ActorKind(req.CancelledBy)
	if kind != ride.ActorPassenger && kind != ride.ActorDriver {
		writeError(w, http.StatusBadRequest, errors.New("cancelled_by must be passenger or driver"))
		return
	}
	cancelled, err := s.rides.Cancel(r.Context(), mux.Vars(r)["ride_id"], kind, req.ActorID, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

// handleOfferResponse routes a driver's accept/decline into the dispatch
// attempt that is waiting on it.
func (s *Server) handleOfferResponse(accepted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req driverActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.engine.Resolve(mux.Vars(r)["ride_id"], req.DriverID, accepted); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.rides.Arrive)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.rides.Start)
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*models.Ride, error)) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := fn(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type completeRequest struct {
	DriverID    string  `json:"driver_id"`
	FinalPrice  float64 `json:"final_price"`
	ActualDistM float64 `json:"actual_distance_m"`
	ActualDurS  int64   `json:"actual_duration_s"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := s.rides.Complete(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, ride.CompleteInput{
		FinalPrice:  req.FinalPrice,
		ActualDistM: req.ActualDistM,
		ActualDurS:  req.ActualDurS,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type availabilityRequest struct {
	Status models.DriverStatus `json:"status"` // available | offline
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status != models.DriverAvailable && req.Status != models.DriverOffline {
		writeError(w, http.StatusBadRequest, errors.New("status must be available or offline"))
		return
	}

	s.avail.Register(driverID)
	cur, _ := s.avail.Status(driverID)
	if cur == req.Status {
		writeJSON(w, http.StatusOK, map[string]any{"driver_id": driverID, "status": cur})
		return
	}
	if err := s.avail.Transition(r.Context(), driverID, cur, req.Status); err != nil {
		s.writeDomainError(w, err)
		return
	}
	observability.DriversAvailable.Set(float64(s.avail.AvailableCount()))
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": driverID, "status": req.Status})
}

type sampleDTO struct {
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m"`
	SpeedMps   float64   `json:"speed_mps"`
	HeadingDeg float64   `json:"heading_deg"`
	ClientTS   time.Time `json:"client_ts"`
	RideID     string    `json:"ride_id"`
}

func (d sampleDTO) toModel(driverID string) (models.LocationSample, bool) {
	if d.Lat == nil || d.Lon == nil {
		return models.LocationSample{}, false
	}
	return models.LocationSample{
		DriverID:   driverID,
		Lat:        *d.Lat,
		Lon:        *d.Lon,
		AccuracyM:  d.AccuracyM,
		SpeedMps:   d.SpeedMps,
		HeadingDeg: d.HeadingDeg,
		ClientTS:   d.ClientTS,
		RideID:     d.RideID,
	}, true
}

type locationsRequest struct {
	DriverID string      `json:"driver_id"`
	Sample   *sampleDTO  `json:"sample,omitempty"`
	Samples  []sampleDTO `json:"samples,omitempty"`
}

// handleDriverLocations accepts a single sample or an offline-buffered
// batch and returns the per-index ingestion report.
func (s *Server) handleDriverLocations(w http.ResponseWriter, r *http.Request) {
	var req locationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DriverID == "" {
		writeError(w, http.StatusBadRequest, errors.New("driver_id is required"))
		return
	}
	dtos := req.Samples
	if req.Sample != nil {
		dtos = append([]sampleDTO{*req.Sample}, dtos...)
	}
	if len(dtos) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no samples supplied"))
		return
	}

	samples := make([]models.LocationSample, 0, len(dtos))
	missing := make([]int, 0)
	for i, dto := range dtos {
		m, ok := dto.toModel(req.DriverID)
		if !ok {
			missing = append(missing, i)
			// placeholder keeps report indices aligned with the request
			m = models.LocationSample{DriverID: req.DriverID, Lat: 360, Lon: 360, ClientTS: dto.ClientTS}
		}
		samples = append(samples, m)
	}

	report := s.pipeline.ApplyBatch(r.Context(), samples)
	for i := range report.Rejected {
		for _, mi := range missing {
			if report.Rejected[i].Index == mi {
				report.Rejected[i].Reason = "missing coordinates"
			}
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDriverSnapshot dumps every driver's status for ops tooling.
func (s *Server) handleDriverSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.avail.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(snap), "drivers": snap})
}

var upgrader = websocket.Upgrader{}

type wsOfferResponse struct {
	Type   string `json:"type"` // accept | decline
	RideID string `json:"ride_id"`
}

// handleDriverWS is the driver's offer channel: offers are pushed down it
// and accept/decline responses are read back.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.avail.Register(driverID)
	remove := s.offers.Add(driverID, conn)
	defer func() {
		remove()
		conn.Close()
	}()

	for {
		var msg wsOfferResponse
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "accept", "decline":
			if err := s.engine.Resolve(msg.RideID, driverID, msg.Type == "accept"); err != nil {
				s.logger.Debug("ws offer response ignored", "ride_id", msg.RideID, "driver_id", driverID, "error", err)
			}
		}
	}
}

func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	unsubscribe := s.hub.Subscribe(rideID, conn)
	defer func() {
		unsubscribe()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrRideNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ride.ErrAlreadyAssigned),
		errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, ride.ErrStaleState),
		errors.Is(err, availability.ErrInvalidTransition),
		errors.Is(err, availability.ErrStaleState),
		errors.Is(err, dispatch.ErrNoActiveOffer):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ride.ErrActorNotAllowed):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, ride.ErrIncompleteData):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, availability.ErrNoFreshLocation),
		errors.Is(err, ingest.ErrInvalidSample),
		errors.Is(err, location.ErrUnknownDriver),
		errors.Is(err, availability.ErrUnknownDriver):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
