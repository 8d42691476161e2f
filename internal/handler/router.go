package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/handler/admin"
	agenthandler "github.com/zhouzirui/live-support/backend/internal/handler/agent"
	"github.com/zhouzirui/live-support/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/live-support/backend/internal/middleware"
	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	chatService "github.com/zhouzirui/live-support/backend/internal/service/chat"
	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/utils"
)

// Dependencies 汇总路由需要的服务。
type Dependencies struct {
	Store          store.Store
	Hub            *chatService.Hub
	Agents         agent.Store
	ActiveAgent    string
	AdminCode      string
	AllowedOrigins []string
	SecureCookie   bool
	Logger         logrus.FieldLogger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	chatHandler := chat.New(deps.Hub, deps.Store, deps.Logger, chat.Options{
		SecureCookie:   deps.SecureCookie,
		AllowedOrigins: deps.AllowedOrigins,
	})
	agentHandler := agenthandler.New(deps.Agents, deps.ActiveAgent)
	adminHandler := admin.New(deps.Store, deps.Hub, deps.AdminCode, deps.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		agentHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		adminHandler.RegisterRoutes(api)
	})

	return r
}
