package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/ctrmux/internal/api"
	"github.com/g960059/ctrmux/internal/db"
	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/relaunch"
	"github.com/g960059/ctrmux/internal/security"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		RuntimeBinary: s.cfg.RuntimeBinary,
	}
	if s.deps.Invoker != nil {
		resp.RuntimeBinary = s.deps.Invoker.Binary()
	}
	if s.deps.Health != nil {
		resp.RuntimeHealth = string(s.deps.Health.State().Current)
	}
	if s.deps.Sessions != nil {
		resp.ActiveSessions = s.deps.Sessions.Registry().Len()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) unitsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	res, ok := s.invoke(w, r, invoker.ListArgs(), "")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.ListResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Lines:         splitLines(res.Stdout),
	})
}

// unitByIDHandler serves /v1/units/{id}, /v1/units/{id}/start and
// /v1/units/{id}/stop.
func (s *Server) unitByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/units/")
	ref, action, _ := strings.Cut(rest, "/")
	if !validRef(ref) {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid unit reference")
		return
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.inspectUnit(w, r, ref)
		case http.MethodDelete:
			s.runCommand(w, r, invoker.RemoveArgs(ref, queryBool(r, "force")), ref)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case "start":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.relaunchUnit(w, r, ref)
	case "stop":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.runCommand(w, r, invoker.StopArgs(ref), ref)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "unknown unit action")
	}
}

func (s *Server) inspectUnit(w http.ResponseWriter, r *http.Request, ref string) {
	res, ok := s.invoke(w, r, invoker.InspectArgs(ref), ref)
	if !ok {
		return
	}
	resp := api.InspectResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		UnitID:        ref,
	}
	out := bytes.TrimSpace([]byte(res.Stdout))
	if json.Valid(out) {
		resp.Raw = json.RawMessage(out)
	} else {
		resp.Text = res.Stdout
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) relaunchUnit(w http.ResponseWriter, r *http.Request, ref string) {
	if s.deps.Relauncher == nil {
		s.writeError(w, http.StatusNotImplemented, model.ErrCodeRelaunch, "relaunch is not configured")
		return
	}
	outcome, err := s.deps.Relauncher.Relaunch(r.Context(), ref)
	relaunchID := s.auditRelaunch(r, ref, outcome, err)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RelaunchResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RelaunchID:    relaunchID,
		Ref:           ref,
		UnitID:        strings.TrimSpace(outcome.Result.Stdout),
		Args:          outcome.Plan.Redacted(),
		ExitCode:      outcome.Result.ExitCode,
		Stdout:        outcome.Result.Stdout,
		Stderr:        outcome.Result.Stderr,
	})
}

// auditRelaunch stores the attempt, successful or not, and returns its id.
func (s *Server) auditRelaunch(r *http.Request, ref string, outcome relaunch.Outcome, err error) string {
	id := uuid.NewString()
	if s.deps.Store == nil {
		return id
	}
	resultCode := "ok"
	if err != nil {
		resultCode = model.ErrorCode(err)
	}
	rec := model.RelaunchRecord{
		RelaunchID:  id,
		Ref:         ref,
		UnitID:      outcome.Plan.Record.ID,
		Args:        security.RedactArgs(outcome.Plan.Args),
		ExitCode:    outcome.Result.ExitCode,
		ResultCode:  resultCode,
		RequestedAt: time.Now().UTC(),
	}
	if insertErr := s.deps.Store.InsertRelaunch(r.Context(), rec); insertErr != nil {
		s.logger.Warn("record relaunch failed", "ref", ref, "error", insertErr)
	}
	return id
}

func (s *Server) volumesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	res, ok := s.invoke(w, r, invoker.VolumeListArgs(), "")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.ListResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Lines:         splitLines(res.Stdout),
	})
}

func (s *Server) volumeByNameHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/volumes/")
	if !validRef(name) {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid volume name")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	s.runCommand(w, r, invoker.VolumeRemoveArgs(name, queryBool(r, "force")), "")
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	infos := s.deps.Sessions.Sessions()
	items := make([]api.SessionItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, api.SessionItem{
			SessionID:    info.SessionID,
			ClientID:     info.ClientID,
			UnitID:       info.UnitID,
			Kind:         info.Kind,
			Shell:        info.Shell,
			StartedAt:    info.StartedAt,
			PendingInput: info.Pending,
			Stopping:     info.Stopping,
		})
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      items,
	})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	q := r.URL.Query()
	records, err := s.deps.Store.ListSessions(r.Context(), db.SessionFilter{
		UnitID:   q.Get("unit"),
		ClientID: q.Get("client"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list session history")
		return
	}
	if records == nil {
		records = []model.SessionRecord{}
	}
	s.writeJSON(w, http.StatusOK, api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      records,
	})
}

func (s *Server) relaunchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	records, err := s.deps.Store.ListRelaunches(r.Context(), r.URL.Query().Get("unit"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list relaunches")
		return
	}
	if records == nil {
		records = []model.RelaunchRecord{}
	}
	s.writeJSON(w, http.StatusOK, api.RelaunchesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Relaunches:    records,
	})
}

// invoke runs args and writes the error response itself when the command
// could not run or exited non-zero. ref names the unit for not-found
// classification.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, args []string, ref string) (invoker.Result, bool) {
	res, err := s.deps.Invoker.Invoke(r.Context(), args, 0)
	if err != nil {
		s.writeFailure(w, err)
		return res, false
	}
	if res.ExitCode != 0 {
		if ref != "" && invoker.IsNotFound(res) {
			s.writeFailure(w, fmt.Errorf("%w: %s", model.ErrUnitNotFound, ref))
			return res, false
		}
		s.writeError(w, http.StatusBadGateway, model.ErrCodeLaunchFailed, commandError(res))
		return res, false
	}
	return res, true
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, args []string, ref string) {
	res, ok := s.invoke(w, r, args, ref)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.CommandResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       args,
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		DurationMS:    res.Duration.Milliseconds(),
	})
}

func commandError(res invoker.Result) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("runtime exited with status %d", res.ExitCode)
	}
	return fmt.Sprintf("runtime exited with status %d: %s", res.ExitCode, msg)
}

// validRef rejects references that the runtime would parse as flags or that
// cannot name a unit.
func validRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "-") {
		return false
	}
	return !strings.ContainsAny(ref, " \t\r\n/")
}

func splitLines(out string) []string {
	lines := []string{}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	return lines
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
