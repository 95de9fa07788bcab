package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"shellmux/internal/logstream"
	"shellmux/internal/session"
)

type submitCommandRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type startStreamRequest struct {
	Files []string `json:"files"`
	Mode  string   `json:"mode"`
	Lines int      `json:"lines"`
}

// httpStatus maps core errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, logstream.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, logstream.ErrStreamNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSpawnFailed), errors.Is(err, session.ErrSessionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Connect(); err != nil {
		writeError(w, err, httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"state":"connected"}`))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sess.Disconnect()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"state":"disconnected"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"state":   string(s.sess.State()),
		"pid":     s.sess.Pid(),
		"pending": s.sess.Pending(),
		"streams": len(s.streams.List()),
	})
}

// handleSubmitCommand queues a command and blocks until its result is
// delivered, mirroring the synchronous request/response shape callers
// expect from a shell.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		writeError(w, errors.New("text is required"), http.StatusBadRequest)
		return
	}

	id, resultCh, err := s.sess.Submit(req.Text, req.ID)
	if err != nil {
		writeError(w, err, httpStatus(err))
		return
	}

	select {
	case res := <-resultCh:
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"id":       id,
			"exitCode": res.ExitCode,
			"output":   res.Output,
			"trigger":  string(res.Trigger),
		}
		if res.Err != nil {
			resp["error"] = res.Err.Error()
		}
		json.NewEncoder(w).Encode(resp)

	case <-r.Context().Done():
		// Caller went away; the result still reaches bus subscribers.
	}
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"), http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		writeError(w, errors.New("files is required"), http.StatusBadRequest)
		return
	}
	mode := logstream.Mode(req.Mode)
	if req.Mode == "" {
		mode = logstream.ModeLastN
	}

	id, err := s.streams.Start(req.Files, mode, req.Lines)
	if err != nil {
		if errors.Is(err, logstream.ErrNotConnected) {
			writeError(w, err, http.StatusConflict)
		} else {
			writeError(w, err, http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"streamId": id})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.streams.List())
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.streams.Stop(id); err != nil {
		writeError(w, err, httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"stopped"}`))
}
