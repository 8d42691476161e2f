package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/pkg/utils"
)

// Handler 客服坐席资料的HTTP处理器
type Handler struct {
	agents agent.Store
	active string
}

// New 创建坐席处理器，active 为当前接待访客的坐席。
func New(agents agent.Store, active string) *Handler {
	return &Handler{agents: agents, active: active}
}

// RegisterRoutes 注册坐席相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agent", h.handleActiveAgent)
	r.Get("/agents", h.handleListAgents)
}

func (h *Handler) handleActiveAgent(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.agents.FindByID(h.active)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "agent not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.agents.List())
}
