package server

import (
	"context"
	"net/http"

	"github.com/nachoal/stock-agent-go/history"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.WithSession(id).Info("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

type runLookup func(ctx context.Context, store *history.Store, sessionID string) (*history.TodoRun, error)

func activeRun(ctx context.Context, store *history.Store, id string) (*history.TodoRun, error) {
	return store.GetActiveTodoRun(ctx, id)
}

func latestRun(ctx context.Context, store *history.Store, id string) (*history.TodoRun, error) {
	return store.GetLatestTodoRun(ctx, id)
}

// todoRunView adds progress counters for pollers.
type todoRunView struct {
	*history.TodoRun
	Done  int `json:"done"`
	Total int `json:"total"`
}

func (s *Server) handleTodoRun(lookup runLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := lookup(r.Context(), s.store, r.PathValue("id"))
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		done, total := run.Progress()
		writeJSON(w, http.StatusOK, todoRunView{TodoRun: run, Done: done, Total: total})
	}
}
