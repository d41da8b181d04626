// Package api exposes the service over HTTP and streams index points over websocket.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/ingestion"
	"market-breadth-lab/internal/observability"
	"market-breadth-lab/internal/optimizer"
	"market-breadth-lab/internal/service"
	"market-breadth-lab/internal/storage"
	"market-breadth-lab/internal/wave"
)

// maxBody caps JSON request bodies.
const maxBody = 1 << 20

// Options configures Server.
type Options struct {
	Service     *service.Service
	Hub         *Hub
	BackfillDay int // default days for backfill requests
	StartedAt   time.Time
	Logger      *log.Logger
}

// Server routes HTTP requests to the service.
type Server struct {
	svc       *service.Service
	hub       *Hub
	days      int
	startedAt time.Time
	logger    *log.Logger
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.BackfillDay <= 0 {
		opts.BackfillDay = ingestion.DefaultLookbackDays
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	return &Server{
		svc:       opts.Service,
		hub:       opts.Hub,
		days:      opts.BackfillDay,
		startedAt: opts.StartedAt,
		logger:    opts.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.Handle("GET /metrics", observability.Handler())
	mux.Handle("GET /ws/index", s.hub)

	mux.HandleFunc("POST /api/ingestion/backfill", s.backfill)
	mux.HandleFunc("POST /api/ingestion/rebackfill", s.rebackfill)
	mux.HandleFunc("GET /api/ingestion/status", s.status)

	mux.HandleFunc("GET /api/index/current", s.currentIndex)
	mux.HandleFunc("GET /api/index/history", s.indexHistory)
	mux.HandleFunc("GET /api/index/stats", s.indexStats)
	mux.HandleFunc("GET /api/index/distribution", s.distribution)
	mux.HandleFunc("GET /api/index/uptrend", s.uptrend)

	mux.HandleFunc("POST /api/backtest", s.backtest)
	mux.HandleFunc("POST /api/optimizer", s.optimize)
	mux.HandleFunc("POST /api/optimizer/daily", s.dailyRanking)

	mux.HandleFunc("GET /api/gaps", s.findGaps)
	mux.HandleFunc("POST /api/gaps/repair", s.repairGaps)

	mux.HandleFunc("DELETE /api/data/range", s.deleteRange)
	mux.HandleFunc("DELETE /api/data/symbol/{symbol}", s.deleteSymbol)
	mux.HandleFunc("POST /api/data/dedupe", s.dedupe)
	mux.HandleFunc("POST /api/cache/clear", s.clearCache)

	return withCORS(mux)
}

// ListenAndServe serves Handler on srv, which carries address and timeouts.
func (s *Server) ListenAndServe(srv *http.Server) error {
	srv.Handler = s.Handler()
	s.logger.Printf("HTTP server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Paused        bool   `json:"paused"`
	StreamClients int    `json:"stream_clients"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		StreamClients: s.hub.Clients(),
	}
	if st, ok := s.svc.IngestionStatus().Data.(ingestion.Status); ok && st.Paused {
		resp.Status = "paused"
		resp.Paused = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- ingestion ---

type backfillRequest struct {
	Days int `json:"days"`
}

func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	req, err := s.backfillDays(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.TriggerBackfill(r.Context(), req.Days), http.StatusAccepted)
}

func (s *Server) rebackfill(w http.ResponseWriter, r *http.Request) {
	req, err := s.backfillDays(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.Rebackfill(r.Context(), req.Days), http.StatusAccepted)
}

func (s *Server) backfillDays(w http.ResponseWriter, r *http.Request) (backfillRequest, error) {
	req := backfillRequest{Days: s.days}
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			return req, err
		}
	}
	if req.Days <= 0 {
		return req, fmt.Errorf("days must be positive")
	}
	return req, nil
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respond(w, s.svc.IngestionStatus(), http.StatusOK)
}

// --- index ---

func (s *Server) currentIndex(w http.ResponseWriter, r *http.Request) {
	respond(w, s.svc.CurrentIndex(r.Context()), http.StatusOK)
}

func (s *Server) indexHistory(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.IndexHistory(r.Context(), win), http.StatusOK)
}

func (s *Server) indexStats(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.IndexStats(r.Context(), win), http.StatusOK)
}

func (s *Server) distribution(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.Distribution(r.Context(), win), http.StatusOK)
}

func (s *Server) uptrend(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	params, err := parseWaveParams(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.Uptrend(r.Context(), win, params), http.StatusOK)
}

// --- backtest ---

type optimizerRequest struct {
	Base  backtest.Params       `json:"base"`
	Space *optimizer.Space      `json:"space,omitempty"` // default space when omitted
	Page  optimizer.PageRequest `json:"page"`
}

func (r optimizerRequest) space() optimizer.Space {
	if r.Space == nil {
		return optimizer.DefaultSpace()
	}
	return *r.Space
}

func (s *Server) backtest(w http.ResponseWriter, r *http.Request) {
	var p backtest.Params
	if err := decode(w, r, &p); err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.RunBacktest(r.Context(), p), http.StatusOK)
}

func (s *Server) optimize(w http.ResponseWriter, r *http.Request) {
	var req optimizerRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.RunOptimizer(r.Context(), req.space(), req.Base), http.StatusOK)
}

func (s *Server) dailyRanking(w http.ResponseWriter, r *http.Request) {
	var req optimizerRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.RunDailyRanking(r.Context(), req.space(), req.Base, req.Page), http.StatusOK)
}

// --- gaps and admin ---

func (s *Server) findGaps(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.FindGaps(r.Context(), win), http.StatusOK)
}

func (s *Server) repairGaps(w http.ResponseWriter, r *http.Request) {
	var win service.Window
	if err := decode(w, r, &win); err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.RepairGaps(r.Context(), win), http.StatusOK)
}

func (s *Server) deleteRange(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start")
	if err != nil {
		badRequest(w, err)
		return
	}
	end, err := queryInt(r, "end")
	if err != nil {
		badRequest(w, err)
		return
	}
	respond(w, s.svc.DeleteRange(r.Context(), start, end), http.StatusOK)
}

func (s *Server) deleteSymbol(w http.ResponseWriter, r *http.Request) {
	respond(w, s.svc.DeleteSymbol(r.Context(), r.PathValue("symbol")), http.StatusOK)
}

func (s *Server) dedupe(w http.ResponseWriter, r *http.Request) {
	respond(w, s.svc.RemoveDuplicates(r.Context()), http.StatusOK)
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	respond(w, s.svc.ClearCache(r.Context()), http.StatusOK)
}

// --- helpers ---

func parseWindow(r *http.Request) (service.Window, error) {
	var win service.Window
	q := r.URL.Query()
	if v := q.Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return win, fmt.Errorf("invalid hours %q", v)
		}
		win.Hours = h
		return win, nil
	}
	var err error
	if win.Start, err = queryInt(r, "start"); err != nil {
		return win, err
	}
	if win.End, err = queryInt(r, "end"); err != nil {
		return win, err
	}
	return win, nil
}

func parseWaveParams(r *http.Request) (domain.WaveParams, error) {
	p := domain.DefaultWaveParams()
	q := r.URL.Query()
	if v := q.Get("keepRatio"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("invalid keepRatio %q", v)
		}
		p.KeepRatio = f
	}
	if v := q.Get("noNewHighCandles"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid noNewHighCandles %q", v)
		}
		p.NoNewHighCandles = n
	}
	if v := q.Get("minUptrend"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("invalid minUptrend %q", v)
		}
		p.MinUptrend = f
	}
	if v := q.Get("mode"); v != "" {
		mode, err := domain.ParsePriceMode(v)
		if err != nil {
			return p, err
		}
		p.Mode = mode
	}
	return p, p.Validate()
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// respond writes resp with okStatus on success or a status derived from the failure.
func respond(w http.ResponseWriter, resp service.Response, okStatus int) {
	if resp.Success {
		writeJSON(w, okStatus, resp)
		return
	}
	writeJSON(w, statusFor(resp.Err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrBusy), errors.Is(err, ingestion.ErrBackfillRunning):
		return http.StatusConflict
	case errors.Is(err, index.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, wave.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, backtest.ErrInvalidDates),
		errors.Is(err, backtest.ErrInvalidParams),
		errors.Is(err, optimizer.ErrEmptySpace):
		return http.StatusBadRequest
	case errors.Is(err, ingestion.ErrCollectionPaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, service.Response{Reason: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
