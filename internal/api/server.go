// Package api serves the read-only status endpoints of a running session.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/db"
	"github.com/banshee-data/omrloop/internal/httputil"
	"github.com/banshee-data/omrloop/internal/recorder"
	"github.com/banshee-data/omrloop/internal/report"
	"github.com/banshee-data/omrloop/internal/session"
)

// DefaultVelocityTail is the number of ticks /api/velocity returns when
// last is not given.
const DefaultVelocityTail = 600

// Monitor is the snapshot view of a session. *session.Session
// implements it.
type Monitor interface {
	Status() session.Status
	Parameters() (calibration.Parameters, bool)
	CalibrationExport() *calibration.Export
	Velocity(n int) recorder.Trace
}

// Store is the persisted history. *db.DB implements it.
type Store interface {
	Sessions(ctx context.Context) ([]db.SessionInfo, error)
	Calibration(ctx context.Context, sessionID string) (*calibration.Export, error)
	VelocityTrace(ctx context.Context, sessionID string) (recorder.Trace, error)
}

type Server struct {
	sess  Monitor
	store Store
}

// NewServer serves sess; store may be nil when nothing is persisted.
func NewServer(sess Monitor, store Store) *Server {
	return &Server{sess: sess, store: store}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/calibration", s.showCalibration)
	mux.HandleFunc("/api/velocity", s.showVelocity)
	mux.HandleFunc("/api/velocity/chart", s.showVelocityChart)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}/calibration", s.showStoredCalibration)
	mux.HandleFunc("/api/sessions/{id}/velocity", s.showStoredVelocity)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.sess.Status())
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	p, ok := s.sess.Parameters()
	if !ok {
		httputil.NotFound(w, "session is not calibrated")
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) tail(w http.ResponseWriter, r *http.Request) (recorder.Trace, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return recorder.Trace{}, false
	}
	n, err := httputil.QueryInt(r, "last", DefaultVelocityTail)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return recorder.Trace{}, false
	}
	return s.sess.Velocity(n), true
}

func (s *Server) showVelocity(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.tail(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, trace)
}

func writeHTML(w http.ResponseWriter, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showVelocityChart(w http.ResponseWriter, r *http.Request) {
	trace, ok := s.tail(w, r)
	if !ok {
		return
	}
	writeHTML(w, func(buf *bytes.Buffer) error { return report.VelocityChart(trace, buf) })
}

func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	exp := s.sess.CalibrationExport()
	trace := s.sess.Velocity(0)
	writeHTML(w, func(buf *bytes.Buffer) error { return report.SessionPage(exp, trace, buf) })
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return false
	}
	if s.store == nil {
		httputil.NotFound(w, "no session store configured")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	sessions, err := s.store.Sessions(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []db.SessionInfo{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showStoredCalibration(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	exp, err := s.store.Calibration(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, struct {
		*calibration.Export
		Vectors []calibration.Vector `json:"vectors"`
	}{exp, exp.Vectors()})
}

func (s *Server) showStoredVelocity(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	n, err := httputil.QueryInt(r, "last", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	trace, err := s.store.VelocityTrace(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, trace.Tail(n))
}
