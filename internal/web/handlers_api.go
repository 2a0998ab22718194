package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/store"
)

const (
	requestTimeout      = time.Minute
	defaultSessionLimit = 50
	maxSessionLimit     = 1000
)

// apiTarget is the property a request addresses, from a point name or from
// the device/object/property path.
type apiTarget struct {
	addr     bacnet.PropertyAddress
	hint     bacnet.TypeHint
	priority int
}

func (s *Server) resolveTarget(r *http.Request) (apiTarget, error) {
	def := s.cmdr.Config().DefaultPriority
	if name := r.PathValue("name"); name != "" {
		p, err := s.cmdr.Point(name)
		if err != nil {
			return apiTarget{}, err
		}
		return apiTarget{addr: p.Address(), hint: p.ValueHint(), priority: p.Slot(def)}, nil
	}

	obj, err := bacnet.ParseObjectReference(r.PathValue("object"))
	if err != nil {
		return apiTarget{}, fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
	}
	t := apiTarget{
		addr:     bacnet.PropertyAddress{Device: r.PathValue("device"), Object: obj, Property: bacnet.PropPresentValue},
		priority: def,
	}
	if prop := r.PathValue("property"); prop != "" {
		id, err := bacnet.ParsePropertyID(prop)
		if err != nil {
			return apiTarget{}, fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
		}
		t.addr.Property = id
	}
	if idx := r.URL.Query().Get("index"); idx != "" {
		n, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return apiTarget{}, fmt.Errorf("%w: index %q", commander.ErrInvalidArgument, idx)
		}
		t.addr = t.addr.WithIndex(uint32(n))
	}
	if t.addr.Property == bacnet.PropPresentValue {
		t.hint = obj.Type.PresentValueHint()
	}
	return t, nil
}

// errorStatus maps commander errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, commander.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, commander.ErrUnknownPoint), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, commander.ErrVerificationMismatch):
		return http.StatusConflict
	case errors.Is(err, commander.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, commander.ErrReject), errors.Is(err, commander.ErrStrategiesExhausted),
		errors.Is(err, commander.ErrDecode), errors.Is(err, commander.ErrDecodeFallback):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeSession answers with the session record whenever one exists, failed
// or not.
func (s *Server) writeSession(w http.ResponseWriter, sess *commander.Session, err error) {
	if sess == nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = errorStatus(err)
	}
	s.writeJSON(w, status, sess)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body", commander.ErrInvalidArgument)
	}
	return nil
}

// hostValue converts a JSON value. Strings go through the literal parser so
// "active" or "on" work like on the command line.
func hostValue(raw json.RawMessage, hint bacnet.TypeHint) (bacnet.Value, error) {
	if len(raw) == 0 {
		return bacnet.Value{}, fmt.Errorf("%w: value is required", commander.ErrInvalidArgument)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return bacnet.Value{}, fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
	}
	var (
		out bacnet.Value
		err error
	)
	if str, ok := v.(string); ok {
		out, err = bacnet.ParseLiteral(str, hint)
	} else {
		out, err = bacnet.FromHost(v, hint)
	}
	if err != nil {
		return bacnet.Value{}, fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
	}
	return out, nil
}

type valueRequest struct {
	Value    json.RawMessage `json:"value"`
	Type     string          `json:"type"`
	Priority *int            `json:"priority"`
}

// parse returns the value and slot of a write, falling back to the target's
// type and priority.
func (req valueRequest) parse(t apiTarget) (bacnet.Value, int, error) {
	hint := t.hint
	if req.Type != "" {
		h, err := bacnet.ParseTypeHint(req.Type)
		if err != nil {
			return bacnet.Value{}, 0, fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
		}
		hint = h
	}
	v, err := hostValue(req.Value, hint)
	if err != nil {
		return bacnet.Value{}, 0, err
	}
	prio := t.priority
	if req.Priority != nil {
		prio = *req.Priority
	}
	return v, prio, nil
}

func (s *Server) handleAPIRead(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v, err := s.cmdr.Read(ctx, t.addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": t.addr.String(),
		"value":   v,
	})
}

// handleAPIWrite writes any property and verifies it by read-back. With a
// priority, an unindexed presentValue write is a slot override.
func (s *Server) handleAPIWrite(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req valueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t.priority = 0
	v, prio, err := req.parse(t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess, err := s.cmdr.WriteVerified(ctx, t.addr, v, prio)
	s.writeSession(w, sess, err)
}

func (s *Server) handleAPIArray(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	arr, eff, err := s.cmdr.Effective(ctx, t.addr.Device, t.addr.Object)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"priority_array": arr,
		"effective":      eff,
		"from_default":   eff.FromDefault(),
	})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.cmdr.Status(ctx, t.addr.Device, t.addr.Object)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIOverride(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req valueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	v, prio, err := req.parse(t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess, err := s.cmdr.Override(ctx, t.addr, prio, v)
	s.writeSession(w, sess, err)
}

type relinquishRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleAPIRelinquish(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req relinquishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	prio := t.priority
	if req.Priority != nil {
		prio = *req.Priority
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess, err := s.cmdr.Relinquish(ctx, t.addr, prio)
	s.writeSession(w, sess, err)
}

type outOfServiceRequest struct {
	OutOfService *bool `json:"out_of_service"`
}

func (s *Server) handleAPIOutOfService(w http.ResponseWriter, r *http.Request) {
	t, err := s.resolveTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req outOfServiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.OutOfService == nil {
		s.writeError(w, fmt.Errorf("%w: out_of_service is required", commander.ErrInvalidArgument))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sess, err := s.cmdr.SetOutOfService(ctx, t.addr.Device, t.addr.Object, *req.OutOfService)
	s.writeSession(w, sess, err)
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	st := s.cmdr.Store()
	if st == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	limit := defaultSessionLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.writeError(w, fmt.Errorf("%w: limit %q", commander.ErrInvalidArgument, q))
			return
		}
		limit = min(n, maxSessionLimit)
	}
	recs, err := st.ListSessions(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*store.SessionRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	st := s.cmdr.Store()
	if st == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session journal disabled"})
		return
	}
	rec, err := st.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
