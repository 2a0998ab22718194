package web

import (
	"fmt"
	"net/http"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/store"
)

func (s *Server) handleAPIListPoints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cmdr.Points())
}

func (s *Server) handleAPIGetPoint(w http.ResponseWriter, r *http.Request) {
	p, err := s.cmdr.Point(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleAPISavePoint creates a point (POST) or replaces one (PUT). On PUT
// the path name wins over the body.
func (s *Server) handleAPISavePoint(w http.ResponseWriter, r *http.Request) {
	var p commander.Point
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if name := r.PathValue("name"); name != "" {
		p.Name = name
		status = http.StatusOK
	} else if _, err := s.cmdr.Point(p.Name); err == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("point %s already exists", p.Name)})
		return
	}

	if err := s.cmdr.SavePoint(p); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("point saved", "name", p.Name, "device", p.Device, "object", p.Object.String())
	for _, pub := range s.publishers {
		pub.Announce(p)
	}
	s.writeJSON(w, status, p)
}

type patchPointRequest struct {
	Description *string `json:"description"`
	Priority    *int    `json:"priority"`
	Type        *string `json:"type"`
}

// handleAPIPatchPoint changes the priority, type or description of a stored
// point in one journal transaction.
func (s *Server) handleAPIPatchPoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.cmdr.Point(name); err != nil {
		s.writeError(w, err)
		return
	}
	st := s.cmdr.Store()
	if st == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "session journal disabled"})
		return
	}
	var req patchPointRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var updated commander.Point
	err := st.UpdatePoint(name, func(sp *store.Point) error {
		if req.Description != nil {
			sp.Description = *req.Description
		}
		if req.Priority != nil {
			sp.Priority = *req.Priority
		}
		if req.Type != nil {
			if _, err := bacnet.ParseTypeHint(*req.Type); err != nil {
				return fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
			}
			sp.Type = *req.Type
		}
		p, err := commander.PointFromStore(sp)
		if err != nil {
			return fmt.Errorf("%w: %v", commander.ErrInvalidArgument, err)
		}
		if err := p.Validate(); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cmdr.SetPoint(updated)
	for _, pub := range s.publishers {
		pub.Announce(updated)
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAPIDeletePoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cmdr.DeletePoint(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("point deleted", "name", name)
	for _, pub := range s.publishers {
		pub.Withdraw(name)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
