package admin

import (
	"net/http"
	"time"

	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// handleEvents 以 SSE 推送全部会话与消息变更，断线后由客户端重连并重新拉取列表。
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	sub, err := h.store.Subscribe(ctx, store.Filter{})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "ready", map[string]string{"status": "subscribed"}); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				reason := "closed"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				h.logger.WithField("reason", reason).Info("admin event stream ended")
				_ = utils.SendSSEEvent(w, flusher, "reset", map[string]string{"reason": reason})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Kind), ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
