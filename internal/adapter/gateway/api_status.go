package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"toolhost/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Host     HostStatus     `json:"host"`
	Plugins  PluginCounts   `json:"plugins"`
	Gateway  GatewayStatus  `json:"gateway"`
	Sessions []SessionBrief `json:"sessions"`
}

// HostStatus holds host overview info.
type HostStatus struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
}

// PluginCounts counts known plugins by status.
type PluginCounts struct {
	Total    int                         `json:"total"`
	ByStatus map[domain.PluginStatus]int `json:"byStatus"`
}

// GatewayStatus holds connection counts.
type GatewayStatus struct {
	Clients  int `json:"clients"`
	Surfaces int `json:"surfaces"`
}

// SessionBrief is one running plugin.
type SessionBrief struct {
	PluginID  string `json:"pluginId"`
	ChannelID string `json:"channelId,omitempty"`
	RefCount  int    `json:"refCount"`
}

// StatusInfo identifies the running host for the status endpoint.
type StatusInfo struct {
	Version         string
	ProtocolVersion string
}

// RegisterStatusRoute registers GET /api/v1/status. Requests must carry a
// valid token unless the gateway runs without authentication.
func RegisterStatusRoute(s *Server, deps HandlerDeps, info StatusInfo) {
	startTime := time.Now()
	s.RegisterHTTPRoute("/api/v1/status", s.requireAuth(statusHandler(s, deps, info, startTime)))
}

// requireAuth applies the WebSocket authentication rules to plain HTTP.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func statusHandler(s *Server, deps HandlerDeps, info StatusInfo, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		recs := deps.Plugins.GetAll()
		resp := StatusResponse{
			Host: HostStatus{
				Version:         info.Version,
				ProtocolVersion: info.ProtocolVersion,
				UptimeSeconds:   int64(time.Since(startTime).Seconds()),
			},
			Plugins: PluginCounts{Total: len(recs), ByStatus: make(map[domain.PluginStatus]int)},
			Gateway: GatewayStatus{Clients: s.ClientCount(), Surfaces: s.SurfaceCount()},
		}
		resp.Sessions = []SessionBrief{}
		for _, rec := range recs {
			resp.Plugins.ByStatus[rec.Status]++
			if sess, ok := deps.Lifecycle.Session(rec.ID); ok {
				resp.Sessions = append(resp.Sessions, SessionBrief{PluginID: rec.ID, ChannelID: sess.ChannelID, RefCount: sess.RefCount})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// bearer extracts a bearer token from an Authorization header.
func bearer(h string) string {
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}
