package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/kisy/vpnledger/model"
	"github.com/kisy/vpnledger/pkg/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed stats.html
var statsHTML string

// Collector is the part of stats.Collector the server reads from.
type Collector interface {
	Current() stats.DayLedger
	Recent(ctx context.Context, n int) ([]stats.DayLedger, error)
	Load(ctx context.Context, day model.Day) (model.DailyLedger, error)
	Tick(ctx context.Context) (stats.TickResult, error)
	GetStartTime() time.Time
}

// ConnectionCounter reports live connections per virtual address.
type ConnectionCounter interface {
	Count(virtualIPs []string) (map[string]int, error)
}

type Server struct {
	agg        Collector
	conns      ConnectionCounter
	recentDays int
	loc        *time.Location
	logger     hclog.Logger
	page       *template.Template
}

func NewServer(agg Collector, recentDays int, loc *time.Location, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		agg:        agg,
		recentDays: recentDays,
		loc:        loc,
		logger:     logger,
	}
	s.page = template.Must(template.New("stats").Funcs(template.FuncMap{
		"bytes": humanize.IBytes,
		"since": s.formatEpoch,
		"stamp": s.formatTime,
	}).Parse(statsHTML))
	return s
}

// SetConnectionCounter adds live connection counts to /api/today.
func (s *Server) SetConnectionCounter(c ConnectionCounter) {
	s.conns = c
}

func (s *Server) formatEpoch(sec int64) string {
	return s.formatTime(time.Unix(sec, 0))
}

func (s *Server) formatTime(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02 15:04:05")
}

// dayView is a ledger prepared for display. Formatting happens in the
// template only; values here are the stored ones.
type dayView struct {
	Date          model.Day            `json:"date"`
	Stats         []model.ClientRecord `json:"stats"`
	TotalReceived uint64               `json:"total_recv"`
	TotalSent     uint64               `json:"total_sent"`
}

func newDayView(day model.Day, l model.DailyLedger) dayView {
	recv, sent := l.Totals()
	return dayView{Date: day, Stats: l.Records(), TotalReceived: recv, TotalSent: sent}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/api/days", s.handleDays)
	r.Get("/api/days/{day}", s.handleDay)
	r.Get("/api/today", s.handleToday)
	r.Post("/api/refresh", s.handleRefresh)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) recent(ctx context.Context) ([]dayView, error) {
	days, err := s.agg.Recent(ctx, s.recentDays)
	if err != nil {
		return nil, err
	}
	views := make([]dayView, 0, len(days))
	for _, d := range days {
		views = append(views, newDayView(d.Day, d.Ledger))
	}
	return views, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	views, err := s.recent(r.Context())
	if err != nil {
		s.logger.Error("list recent ledgers", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		StartTime time.Time
		Days      []dayView
	}{
		StartTime: s.agg.GetStartTime(),
		Days:      views,
	}
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("render stats page", "error", err)
	}
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	views, err := s.recent(r.Context())
	if err != nil {
		s.logger.Error("list recent ledgers", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	day, err := model.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l, err := s.agg.Load(r.Context(), day)
	if err != nil {
		s.logger.Error("load ledger", "day", day, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newDayView(day, l))
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	cur := s.agg.Current()
	response := struct {
		StartTime time.Time `json:"start_time"`
		dayView
		ActiveConnections map[string]int `json:"active_connections,omitempty"` // by CN
	}{
		StartTime: s.agg.GetStartTime(),
		dayView:   newDayView(cur.Day, cur.Ledger),
	}

	if s.conns != nil && len(cur.Ledger) > 0 {
		virtual := make([]string, 0, len(cur.Ledger))
		for _, rec := range cur.Ledger {
			virtual = append(virtual, rec.VirtualAddress)
		}
		counts, err := s.conns.Count(virtual)
		if err != nil {
			s.logger.Warn("count live connections", "error", err)
		} else {
			response.ActiveConnections = make(map[string]int, len(cur.Ledger))
			for cn, rec := range cur.Ledger {
				response.ActiveConnections[cn] = counts[rec.VirtualAddress]
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.agg.Tick(r.Context())
	switch {
	case errors.Is(err, stats.ErrTickInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("manual tick failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("API: manual refresh", "day", res.Day, "clients", res.Clients)

	writeJSON(w, http.StatusOK, struct {
		Status  string    `json:"status"`
		Day     model.Day `json:"date"`
		Clients int       `json:"clients"`
		Skipped int       `json:"skipped"`
		Saved   bool      `json:"saved"`
	}{"ok", res.Day, res.Clients, res.Skipped, res.Saved})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
