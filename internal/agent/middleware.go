package agent

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	loggerpkg "AgentPay-Chain/pkg/logger"
)

// APIKeyHeader 是智能体携带 API Key 的请求头。
const APIKeyHeader = "X-API-Key"

// Middleware 返回一个 HTTP 中间件，对智能体请求做认证与限流。
// 认证通过的智能体被写入请求上下文，供下游处理器读取。
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, err := s.ValidateKey(r.Context(), r.Header.Get(APIKeyHeader))
			if err != nil {
				status := statusForAuthError(err)
				writeAuthError(w, status, err)
				loggerpkg.Audit().Warn("agent_access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithAgent(r.Context(), a)
			next.ServeHTTP(aw, r.WithContext(ctx))

			loggerpkg.Audit().Info("agent_request",
				"agent_id", a.ID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// statusForAuthError 将认证错误映射为 HTTP 状态码。
func statusForAuthError(err error) int {
	switch xerrors.CodeOf(err) {
	case CodeKeyFormatInvalid, CodeKeyUnknown:
		return http.StatusUnauthorized
	case CodeAgentPaused, CodeAgentDeactivated:
		return http.StatusForbidden
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeOf(err)),
			"message": err.Error(),
		},
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
