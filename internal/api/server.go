// Package api serves the scan catalogue over HTTP: run listings and tables
// as JSON, charts as HTML and tables as file downloads.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/emittance.scan/internal/db"
	"github.com/banshee-data/emittance.scan/internal/export"
	"github.com/banshee-data/emittance.scan/internal/httputil"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/report"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/security"
	"github.com/banshee-data/emittance.scan/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db    *db.DB
	units string
}

func NewServer(catalogue *db.DB, unitName string) *Server {
	if !units.IsValid(unitName) {
		unitName = units.M
	}
	return &Server{db: catalogue, units: unitName}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.showRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /runs/{id}/chart", s.showChart)
	mux.HandleFunc("GET /runs/{id}/export", s.exportRun)
	return mux
}

func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid 'units' parameter %q, must be one of: %s", u, units.GetValidUnitsString())
	}
	return u, nil
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":    s.units,
		"database": s.db.Path(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// PointAPI is a scan point as served over JSON. NaN emittances become null.
type PointAPI struct {
	Row     float64  `json:"row_value"`
	Col     *float64 `json:"col_value,omitempty"`
	Ex      *float64 `json:"ex"`
	Ey      *float64 `json:"ey"`
	Ez      *float64 `json:"ez"`
	Outcome string   `json:"outcome"`
	Detail  string   `json:"detail,omitempty"`
}

// RunAPI is a run with its points.
type RunAPI struct {
	db.Run
	Units string     `json:"units"`
	Table []PointAPI `json:"table"`
}

func (s *Server) toAPI(p scan.Point, unit string) PointAPI {
	conv := func(v float64) *float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		c := units.ConvertEmittance(v, unit)
		return &c
	}
	return PointAPI{Ex: conv(p.Ex), Ey: conv(p.Ey), Ez: conv(p.Ez), Outcome: p.Outcome.String(), Detail: p.Detail}
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*db.Run, bool) {
	run, err := s.db.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, "run not found")
		return nil, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve run: %v", err))
		return nil, false
	}
	return run, true
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	unit, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	out := RunAPI{Run: *run, Units: unit, Table: []PointAPI{}}
	switch run.Kind {
	case db.KindScan1D:
		t, err := s.db.LoadTable1D(r.Context(), run.ID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to load points: %v", err))
			return
		}
		for _, row := range t.Rows {
			p := s.toAPI(row.Point, unit)
			p.Row = row.Value
			out.Table = append(out.Table, p)
		}
	case db.KindScan2D:
		t, err := s.db.LoadTable2D(r.Context(), run.ID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to load points: %v", err))
			return
		}
		for i, line := range t.Cells {
			for j, cell := range line {
				p := s.toAPI(cell, unit)
				col := t.ColValues[j]
				p.Row, p.Col = t.RowValues[i], &col
				out.Table = append(out.Table, p)
			}
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	err := s.db.DeleteRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, "run not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to delete run: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validColumn(c string) bool {
	for _, k := range scan.Columns {
		if c == k {
			return true
		}
	}
	return false
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	column := r.URL.Query().Get("column")
	if column == "" {
		column = "ex"
	}
	if !validColumn(column) {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'column' parameter %q", column))
		return
	}
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("Run %s", run.ID)
	var err error
	switch run.Kind {
	case db.KindScan1D:
		var t *scan.Table1D
		if t, err = s.db.LoadTable1D(r.Context(), run.ID); err == nil {
			err = report.RenderScanLine(&buf, t, title)
		}
	default:
		var t *scan.Table2D
		if t, err = s.db.LoadTable2D(r.Context(), run.ID); err == nil {
			err = report.RenderHeatmap(&buf, t, column, title)
		}
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	httputil.WriteHTML(w, buf.Bytes())
}

var exportTypes = map[string]string{
	"csv":     "text/csv",
	"parquet": "application/vnd.apache.parquet",
	"xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	contentType, ok := exportTypes[format]
	if !ok {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'format' parameter %q", format))
		return
	}
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	var write func(io.Writer) error
	switch run.Kind {
	case db.KindScan1D:
		t, err := s.db.LoadTable1D(r.Context(), run.ID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to load points: %v", err))
			return
		}
		write = map[string]func(io.Writer) error{
			"csv":     func(out io.Writer) error { return export.WriteCSV1D(out, t) },
			"parquet": func(out io.Writer) error { return export.WriteParquet1D(out, t) },
			"xlsx":    func(out io.Writer) error { return export.WriteXLSX1D(out, t) },
		}[format]
	default:
		t, err := s.db.LoadTable2D(r.Context(), run.ID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to load points: %v", err))
			return
		}
		write = map[string]func(io.Writer) error{
			"csv":     func(out io.Writer) error { return export.WriteCSV2D(out, t) },
			"parquet": func(out io.Writer) error { return export.WriteParquet2D(out, t) },
			"xlsx":    func(out io.Writer) error { return export.WriteXLSX2D(out, t) },
		}[format]
	}

	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to export run: %v", err))
		return
	}
	name := security.SanitizeFilename(run.Rows.VariableName + "_" + run.ID + "." + format)
	httputil.WriteDownload(w, contentType, name, buf.Bytes())
}
