package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/approval"
	"github.com/xela07ax/skillgate/internal/domain"
	"github.com/xela07ax/skillgate/internal/infra/auth"
)

const maxManifestBytes = 1 << 20

// ApprovalInbox: ответы людей на ожидающие шаги подтверждения (approval.Inbox).
type ApprovalInbox interface {
	Respond(ctx context.Context, id string, resp approval.Response) error
	SubmitSecret(ctx context.Context, id string, s approval.Secret) error
	Awaiting() map[string]approval.PromptKind
}

// Server: HTTP API шлюза.
type Server struct {
	router     *chi.Mux
	gateway    *Gateway
	onboarding *Onboarding
	inbox      ApprovalInbox
	validator  auth.TokenValidator
	logger     *zap.Logger
	runBudget  time.Duration
}

func NewServer(gw *Gateway, ob *Onboarding, inbox ApprovalInbox, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		gateway:    gw,
		onboarding: ob,
		inbox:      inbox,
		validator:  validator,
		logger:     logger.Named("gateway-api"),
	}
	s.routes()
	return s
}

// WithRunWriteBudget задает срок записи ответа на запуск поверх server.write_timeout.
// К нему прибавляется дедлайн, запрошенный в теле.
func (s *Server) WithRunWriteBudget(d time.Duration) *Server {
	s.runBudget = d
	return s
}

func (s *Server) routes() {
	r := s.router

	// Порядок важен: Trace -> лог -> recover
	r.Use(TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.With(auth.RequireScope(ScopeRun)).Post("/v1/runs", s.handleRun)

		r.Route("/v1/skills", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeRead)).Get("/", s.handleListSkills)
			r.With(auth.RequireScope(ScopeRegister)).Post("/", s.handleRegister)
			r.Route("/{id}/{version}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopeRead)).Get("/", s.handleGetSkill)
				r.With(auth.RequireScope(ScopeRegister)).Post("/recheck", s.handleRecheck)
			})
		})

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeApprove))
			r.Get("/pending", s.handlePending)
			r.Post("/{id}/confirm", s.handleConfirm)
			r.Post("/{id}/secret", s.handleSecret)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type runBody struct {
	SkillID string `json:"skill_id"`
	Version string `json:"version,omitempty"`

	// nil: все заявленные способности, []: ни одной
	Capabilities *domain.CapabilitySet `json:"capabilities,omitempty"`

	Input           json.RawMessage   `json:"input,omitempty"`
	Data            domain.DataFlags  `json:"data"`
	Deadline        string            `json:"deadline,omitempty"` // "30s"
	Env             map[string]string `json:"env,omitempty"`
	RetainArtifacts *bool             `json:"retain_artifacts,omitempty"`
}

func (b runBody) request(requester string) (RunRequest, error) {
	req := RunRequest{
		SkillID:         b.SkillID,
		Version:         b.Version,
		Requester:       requester,
		Input:           b.Input,
		Data:            b.Data,
		Env:             b.Env,
		RetainArtifacts: b.RetainArtifacts,
	}
	if b.Capabilities != nil {
		req.Capabilities = *b.Capabilities
		if req.Capabilities == nil {
			req.Capabilities = domain.NewCapabilitySet()
		}
	}
	if b.Deadline != "" {
		d, err := time.ParseDuration(b.Deadline)
		if err != nil || d <= 0 {
			return RunRequest{}, fmt.Errorf("%w: deadline %q", ErrBadRequest, b.Deadline)
		}
		req.Deadline = d
	}
	return req, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	who, err := requester(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err), nil)
		return
	}
	req, err := body.request(who)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	if s.runBudget > 0 {
		// Ожидание подтверждения длиннее общего WriteTimeout сервера
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(s.runBudget + req.Deadline)); err != nil {
			s.logger.Debug("write deadline not extended", zap.Error(err))
		}
	}

	res, err := s.gateway.Run(r.Context(), req)
	if err != nil {
		writeError(w, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type skillResponse struct {
	Record  domain.SkillRecord `json:"record"`
	Verdict *domain.Verdict    `json:"verdict,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err), nil)
		return
	}
	rec, v, err := s.onboarding.Submit(r.Context(), raw)
	s.writeSkill(w, rec, v, err, http.StatusCreated)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	rec, v, err := s.onboarding.Recheck(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "version"))
	s.writeSkill(w, rec, v, err, http.StatusOK)
}

// writeSkill: отказ Safety Gate отдается вместе с вердиктом, чтобы автор видел находки.
func (s *Server) writeSkill(w http.ResponseWriter, rec domain.SkillRecord, v domain.Verdict, err error, okStatus int) {
	var reject *domain.RejectError
	switch {
	case errors.As(err, &reject):
		writeJSON(w, http.StatusUnprocessableEntity, skillResponse{Record: rec, Verdict: &v})
	case err != nil:
		writeError(w, err, nil)
	default:
		writeJSON(w, okStatus, skillResponse{Record: rec, Verdict: &v})
	}
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	recs, err := s.onboarding.List(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	rec, err := s.onboarding.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, skillResponse{Record: rec})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inbox.Awaiting())
}

type confirmBody struct {
	Accept  bool   `json:"accept"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	who, err := requester(r.Context())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var body confirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err), nil)
		return
	}
	resp := approval.Response{Accept: body.Accept, Reviewer: who, Comment: body.Comment}
	if err := s.inbox.Respond(r.Context(), chi.URLParam(r, "id"), resp); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// secretBody: значение живет только до передачи в Inbox, в ответ и логи не попадает.
type secretBody struct {
	Secret string `json:"secret"`
}

func (s *Server) handleSecret(w http.ResponseWriter, r *http.Request) {
	var body secretBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Secret == "" {
		writeError(w, fmt.Errorf("%w: secret is required", ErrBadRequest), nil)
		return
	}
	if err := s.inbox.SubmitSecret(r.Context(), chi.URLParam(r, "id"), approval.NewSecret(body.Secret)); err != nil {
		writeError(w, err, nil)
		return
	}
	// результат проверки узнает инициатор запуска, а не отправитель
	w.WriteHeader(http.StatusAccepted)
}
