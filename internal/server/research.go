package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pelagoslabs/pelagos/internal/pipeline"
	"github.com/pelagoslabs/pelagos/internal/store"
)

type overviewRequest struct {
	Message   string `json:"message"`
	Provider  string `json:"provider"`
	WorkModel string `json:"work_model"`
	Language  string `json:"language"`
}

type overviewResponse struct {
	SessionID    string   `json:"session_id"`
	SessionTitle string   `json:"session_title"`
	Queries      []string `json:"queries"`
}

// handleOverview runs stage 1 and creates the session record.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	var req overviewRequest
	if !decode(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	provider := orDefault(req.Provider, s.cfg.Provider)
	workModel := orDefault(req.WorkModel, s.cfg.WorkModel)
	language := orDefault(req.Language, s.cfg.Language)

	p, err := s.newPipeline(principal, provider, workModel, s.cfg.FinalModel, language, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	title, queries, err := p.Overview(r.Context(), req.Message)
	if err != nil {
		stageError(w, err)
		return
	}

	sess := &store.Session{
		ID:        p.State.SessionID,
		Principal: principal,
		Title:     title,
		Phase:     store.PhaseInitial,
		Messages:  []store.Message{{Role: "user", Content: req.Message}},
	}
	if err := s.persist(r.Context(), sess, p); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, overviewResponse{
		SessionID:    sess.ID,
		SessionTitle: title,
		Queries:      queries,
	})
}

type searchRequest struct {
	SessionID string   `json:"session_id"`
	Queries   []string `json:"queries"`
}

// handleSearch runs stage 2 against the stored session.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	sess, err := s.loadSession(r.Context(), req.SessionID, principal)
	if err != nil {
		stageError(w, err)
		return
	}
	p, err := s.restorePipeline(principal, sess, s.cfg.Provider, s.cfg.WorkModel, s.cfg.FinalModel, s.cfg.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	urls, err := p.SearchAndPick(r.Context(), req.Queries)
	if err != nil {
		stageError(w, err)
		return
	}

	if err := s.persist(r.Context(), sess, p); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"urls": urls})
}

type clarifyRequest struct {
	SessionID string   `json:"session_id"`
	URLs      []string `json:"urls"`
}

type clarifyResponse struct {
	Clarification string `json:"clarification"`
	ScrapedCount  int    `json:"scraped_count"`
}

// handleClarify runs stage 3, appends the clarification to the chat
// transcript, and moves the session to the clarifying phase.
func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req clarifyRequest
	if !decode(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	sess, err := s.loadSession(r.Context(), req.SessionID, principal)
	if err != nil {
		stageError(w, err)
		return
	}
	p, err := s.restorePipeline(principal, sess, s.cfg.Provider, s.cfg.WorkModel, s.cfg.FinalModel, s.cfg.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	clarification, scraped, err := p.Clarify(r.Context(), req.URLs)
	if err != nil {
		stageError(w, err)
		return
	}

	sess.Phase = store.PhaseClarifying
	sess.Messages = append(sess.Messages, store.Message{Role: "assistant", Content: clarification})
	if err := s.persist(r.Context(), sess, p); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, clarifyResponse{Clarification: clarification, ScrapedCount: scraped})
}

type planRequest struct {
	SessionID            string   `json:"session_id"`
	ClarificationAnswers []string `json:"clarification_answers"`
	AcademicMode         bool     `json:"academic_mode"`
}

type planResponse struct {
	PlanPoints []string `json:"plan_points"`
	PlanText   string   `json:"plan_text"`
}

// handlePlan runs stage 4. The answers arrive as free text; the plan and
// the answers join the transcript and the session moves to planning.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decode(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	sess, err := s.loadSession(r.Context(), req.SessionID, principal)
	if err != nil {
		stageError(w, err)
		return
	}
	p, err := s.restorePipeline(principal, sess, s.cfg.Provider, s.cfg.WorkModel, s.cfg.FinalModel, s.cfg.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := p.Plan(r.Context(), req.ClarificationAnswers, nil, req.AcademicMode)
	if err != nil {
		stageError(w, err)
		return
	}
	planText := p.State.FormatPlanForUser()

	if len(req.ClarificationAnswers) > 0 {
		sess.Messages = append(sess.Messages, store.Message{
			Role:    "user",
			Content: strings.Join(req.ClarificationAnswers, "\n"),
		})
	}
	sess.Messages = append(sess.Messages, store.Message{Role: "assistant", Content: planText, Type: "plan"})
	sess.Phase = store.PhasePlanning
	sess.AcademicMode = req.AcademicMode
	if err := s.persist(r.Context(), sess, p); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, planResponse{PlanPoints: points, PlanText: planText})
}

type deepRequest struct {
	SessionID  string   `json:"session_id"`
	PlanPoints []string `json:"plan_points"`
	Provider   string   `json:"provider"`
	WorkModel  string   `json:"work_model"`
	FinalModel string   `json:"final_model"`
	Language   string   `json:"language"`
}

// handleDeep runs stage 5 and streams its events as NDJSON, one object
// per line. The session is committed to the researching phase before the
// first event; the done event's payload is persisted as it passes
// through. A client disconnect cancels the run and leaves the session in
// the researching phase with whatever was last saved.
func (s *Server) handleDeep(w http.ResponseWriter, r *http.Request) {
	var req deepRequest
	if !decode(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	sess, err := s.loadSession(r.Context(), req.SessionID, principal)
	if err != nil {
		stageError(w, err)
		return
	}

	provider := orDefault(req.Provider, s.cfg.Provider)
	workModel := orDefault(req.WorkModel, s.cfg.WorkModel)
	finalModel := orDefault(req.FinalModel, s.cfg.FinalModel)
	language := orDefault(req.Language, s.cfg.Language)

	p, err := s.restorePipeline(principal, sess, provider, workModel, finalModel, language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points := req.PlanPoints
	if len(points) == 0 {
		points = p.State.PlanPoints
	}

	sess.Phase = store.PhaseResearching
	if err := s.persist(r.Context(), sess, p); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	for ev := range p.DeepResearch(r.Context(), p.State.OriginalQuery, points, p.Academic) {
		line, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			log.Debug().Err(err).Msg("client gone during stream")
		}
		if canFlush {
			flusher.Flush()
		}

		if ev.Type == pipeline.EventDone && ev.Data != nil {
			applyDone(sess, ev.Data)
			if err := s.store.Save(r.Context(), sess); err != nil {
				log.Error().Err(err).Str("session", sess.ID).Msg("save completed session")
			}
		}
	}
}

// applyDone copies the done event's payload onto the session record.
func applyDone(sess *store.Session, data map[string]any) {
	sess.Phase = store.PhaseDone
	if v, ok := data["final_document"].(string); ok {
		sess.FinalDocument = v
	}
	if v, ok := data["source_registry"].(map[int]string); ok {
		sess.SourceRegistry = v
	}
	if v, ok := data["total_sources"].(int); ok {
		sess.TotalSources = v
	}
	if v, ok := data["duration_seconds"].(float64); ok {
		sess.DurationSeconds = v
	}
	if v, ok := data["context"].(json.RawMessage); ok {
		sess.ContextState = v
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.List(r.Context(), principalFrom(r.Context()))
	if err != nil {
		log.Error().Err(err).Msg("list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sums == nil {
		sums = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.Summary{"sessions": sums})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r.Context(), chi.URLParam(r, "id"), principalFrom(r.Context()))
	if err != nil {
		stageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title *string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.loadSession(r.Context(), chi.URLParam(r, "id"), principalFrom(r.Context()))
	if err != nil {
		stageError(w, err)
		return
	}
	if req.Title != nil {
		sess.Title = *req.Title
	}
	if err := s.store.Save(r.Context(), sess); err != nil {
		log.Error().Err(err).Msg("save session")
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session updated"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.loadSession(r.Context(), id, principalFrom(r.Context())); err != nil {
		stageError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		stageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}
