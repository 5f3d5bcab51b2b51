package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/skillgate/internal/console/handler"
	"github.com/xela07ax/skillgate/internal/infra/auth"
)

// Скоупы оператора консоли. Роль admin покрывает все.
const (
	ScopeSkillsRead      = "skills.read"
	ScopeApprovalsRead   = "approvals.read"
	ScopeApprovalsDecide = "approvals.decide"
	ScopePoliciesRead    = "policies.read"
	ScopePoliciesWrite   = "policies.write"
	ScopeAgentsKill      = "agents.kill"
	ScopeAuditRead       = "audit.read"
)

// Handlers: обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth      *handler.AuthHandler      // /auth/token
	Skills    *handler.SkillHandler     // /v1/skills
	Agents    *handler.AgentHandler     // /v1/agents
	Policies  *handler.PolicyHandler    // /v1/policies
	Approvals *handler.ApprovalHandler  // /v1/approvals (HITL)
	Dashboard *handler.DashboardHandler // /api/v1/dashboard
	Audit     *handler.AuditHandler     // /v1/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256), тот же ключ, что и у шлюза
	validator auth.TokenValidator
	h         Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:    chi.NewRouter(),
		logger:    logger.Named("console-api"),
		validator: validator,
		h:         h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен + скоупы) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Get("/api/v1/dashboard/stats", s.h.Dashboard.GetStats)

		r.Route("/v1/skills", func(r chi.Router) {
			r.Use(auth.RequireScope(ScopeSkillsRead))
			r.Get("/", s.h.Skills.List)
			r.Get("/{id}", s.h.Skills.Versions)
			r.Get("/{id}/{version}", s.h.Skills.Get)
		})

		// Агенты: история по журналу и kill-switch
		r.Route("/v1/agents/{id}", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeAuditRead)).Get("/", s.h.Agents.Get)
			r.With(auth.RequireScope(ScopeAgentsKill)).Post("/kill", s.h.Agents.Kill)
		})

		// Правила политик (CEL)
		r.Route("/v1/policies", func(r chi.Router) {
			r.With(auth.RequireScope(ScopePoliciesRead)).Get("/", s.h.Policies.List)
			r.With(auth.RequireScope(ScopePoliciesWrite)).Post("/", s.h.Policies.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopePoliciesRead)).Get("/", s.h.Policies.Get)
				r.With(auth.RequireScope(ScopePoliciesWrite)).Put("/", s.h.Policies.Update)
				r.With(auth.RequireScope(ScopePoliciesWrite)).Delete("/", s.h.Policies.Delete)
			})
		})

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeApprovalsRead)).Get("/", s.h.Approvals.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopeApprovalsRead)).Get("/", s.h.Approvals.GetDetails)
				r.With(auth.RequireScope(ScopeApprovalsDecide)).Post("/decide", s.h.Approvals.Decide)
				r.With(auth.RequireScope(ScopeApprovalsDecide)).Post("/deny", s.h.Approvals.Deny)
			})
		})

		r.With(auth.RequireScope(ScopeAuditRead)).Get("/v1/audit", s.h.Audit.GetLogs)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
