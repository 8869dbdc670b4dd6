package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nhirsama/Goster-GPS/src/broadcast"
	"github.com/nhirsama/Goster-GPS/src/protocol"
)

const resyncTimeout = 30 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// healthHandler 存活检查
func (ws *webServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"uptime":      time.Since(ws.started).Round(time.Second).String(),
		"devices":     len(ws.registry.Sessions()),
		"subscribers": ws.hub.SubscriberCount(),
	}
	if ws.api != nil {
		body["connections"] = ws.api.ActiveConnections()
	}
	writeJSON(w, http.StatusOK, body)
}

// deviceListHandler 全部设备会话快照
func (ws *webServer) deviceListHandler(w http.ResponseWriter, r *http.Request) {
	sessions := ws.registry.Sessions()
	if r.URL.Query().Get("connected") == "true" {
		online := sessions[:0]
		for _, s := range sessions {
			if s.Connected {
				online = append(online, s)
			}
		}
		sessions = online
	}
	writeJSON(w, http.StatusOK, sessions)
}

// deviceHandler 单个设备会话快照
func (ws *webServer) deviceHandler(w http.ResponseWriter, r *http.Request) {
	id := protocol.CanonicalIdentity(r.PathValue("id"))
	for _, s := range ws.registry.Sessions() {
		if s.Identity == id {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeError(w, http.StatusNotFound, "设备不存在")
}

// resyncHandler 立即从设备目录同步
func (ws *webServer) resyncHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resyncTimeout)
	defer cancel()

	added, err := ws.registry.Resync(ctx)
	if err != nil {
		ws.log.Warn().Err(err).Msg("手动同步设备目录失败")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"added": added,
		"total": len(ws.registry.Sessions()),
	})
}

// subscribeHandler 升级为 websocket 并推送设备消息
func (ws *webServer) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("id")
	if topic != broadcast.AllTopics {
		topic = protocol.CanonicalIdentity(topic)
	}
	if topic == "" {
		writeError(w, http.StatusBadRequest, "无效的设备标识")
		return
	}
	ws.gateway.Serve(r.Context(), w, r, topic)
}
