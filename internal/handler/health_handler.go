package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck は依存サービス1つ分の疎通確認。
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler は依存サービスの疎通を確認するハンドラー。
type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 3 * time.Second}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ServeHTTP は全チェックが成功すれば200、1つでも失敗すれば503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			slog.Warn("health check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			resp.Checks[c.Name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, resp)
}
