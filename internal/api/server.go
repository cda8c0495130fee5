package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/internal/rules"
	"AgentPay-Chain/internal/webhook"
)

// OwnerHeader 是所有者身份的请求头，携带其以太坊地址。
const OwnerHeader = "X-Owner-Address"

// Server 负责暴露 REST 接口。所有者通过地址头操作自己的资源，
// 智能体通过 API Key 中间件提交提案。
type Server struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	agents    *agent.Service
	budgets   *budget.Service
	proposals *proposal.Service
	payments  *payment.Service
	webhooks  *webhook.Service
	audits    *audit.Service
	engine    *rules.Engine
}

// Config 汇总服务器的构造参数。engine 与 payments 允许为空，
// 对应的接口返回 503。
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Agents    *agent.Service
	Budgets   *budget.Service
	Proposals *proposal.Service
	Payments  *payment.Service
	Webhooks  *webhook.Service
	Audits    *audit.Service
	Engine    *rules.Engine
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Agents == nil || cfg.Budgets == nil || cfg.Proposals == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agents, budgets and proposals services are required")
	}
	s := &Server{
		addr:            cfg.Addr,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		agents:          cfg.Agents,
		budgets:         cfg.Budgets,
		proposals:       cfg.Proposals,
		payments:        cfg.Payments,
		webhooks:        cfg.Webhooks,
		audits:          cfg.Audits,
		engine:          cfg.Engine,
	}
	if s.addr == "" {
		s.addr = ":8080"
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 15 * time.Second
	}
	return s, nil
}

// Handler 组装完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	agentAuth := s.agents.Middleware()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/agents", s.instrument("agents", s.handleAgentCreate))
	mux.HandleFunc("GET /api/v1/agents", s.instrument("agents", s.handleAgentList))
	mux.HandleFunc("POST /api/v1/agents/pause-all", s.instrument("agents", s.handleAgentPauseAll))
	mux.HandleFunc("POST /api/v1/agents/resume-all", s.instrument("agents", s.handleAgentResumeAll))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.instrument("agents", s.handleAgentGet))
	mux.HandleFunc("PATCH /api/v1/agents/{id}", s.instrument("agents", s.handleAgentUpdate))
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.instrument("agents", s.handleAgentDeactivate))

	mux.HandleFunc("POST /api/v1/budgets", s.instrument("budgets", s.handleBudgetCreate))
	mux.HandleFunc("GET /api/v1/budgets", s.instrument("budgets", s.handleBudgetList))
	mux.HandleFunc("POST /api/v1/budgets/check-availability", s.instrument("budgets", s.handleBudgetCheck))
	mux.HandleFunc("GET /api/v1/budgets/{id}", s.instrument("budgets", s.handleBudgetGet))
	mux.HandleFunc("PATCH /api/v1/budgets/{id}", s.instrument("budgets", s.handleBudgetUpdate))
	mux.HandleFunc("DELETE /api/v1/budgets/{id}", s.instrument("budgets", s.handleBudgetDelete))
	mux.HandleFunc("GET /api/v1/budgets/{id}/utilization", s.instrument("budgets", s.handleBudgetUtilization))

	// 提案提交是智能体入口，走 API Key 认证。
	mux.Handle("POST /api/v1/proposals",
		agentAuth(http.HandlerFunc(s.instrument("proposals", s.handleProposalCreate))))
	mux.Handle("POST /api/v1/proposals/batch",
		agentAuth(http.HandlerFunc(s.instrument("proposals", s.handleProposalCreateBatch))))
	mux.HandleFunc("GET /api/v1/proposals", s.instrument("proposals", s.handleProposalList))
	mux.HandleFunc("GET /api/v1/proposals/pending-count", s.instrument("proposals", s.handleProposalPendingCount))
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.instrument("proposals", s.handleProposalGet))
	mux.HandleFunc("POST /api/v1/proposals/{id}/approve", s.instrument("proposals", s.handleProposalApprove))
	mux.HandleFunc("POST /api/v1/proposals/{id}/reject", s.instrument("proposals", s.handleProposalReject))

	mux.HandleFunc("POST /api/v1/payments/authorize", s.instrument("payments", s.handlePaymentAuthorize))
	mux.HandleFunc("POST /api/v1/payments/process", s.instrument("payments", s.handlePaymentProcess))
	mux.HandleFunc("POST /api/v1/payments/{id}/sign", s.instrument("payments", s.handlePaymentSign))
	mux.HandleFunc("POST /api/v1/payments/{id}/execute", s.instrument("payments", s.handlePaymentExecute))

	mux.HandleFunc("GET /api/v1/webhooks/deliveries", s.instrument("webhooks", s.handleWebhookDeliveries))
	mux.HandleFunc("GET /api/v1/webhooks/pending-retries", s.instrument("webhooks", s.handleWebhookPendingRetries))
	mux.HandleFunc("GET /api/v1/audit", s.instrument("audit", s.handleAuditLogs))

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 为处理器记录 HTTP 指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ownerFromRequest 读取并校验所有者地址头。
func ownerFromRequest(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "owner address header is required")
	}
	if !common.IsHexAddress(owner) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "owner address is not a valid hex address")
	}
	return strings.ToLower(owner), nil
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

// statusForError 将统一错误码映射为 HTTP 状态码。
func statusForError(err error) int {
	code := string(xerrors.CodeOf(err))
	switch {
	case code == string(xerrors.CodeRateLimited):
		return http.StatusTooManyRequests
	case code == string(xerrors.CodeUnavailable):
		return http.StatusServiceUnavailable
	case code == string(xerrors.CodePermissionDenied),
		code == string(agent.CodeAgentPaused),
		code == string(agent.CodeAgentDeactivated):
		return http.StatusForbidden
	case strings.HasSuffix(code, "_NOT_FOUND"), code == string(xerrors.CodeNotFound):
		return http.StatusNotFound
	case strings.HasSuffix(code, "_CONFLICT"), code == string(xerrors.CodeConflict),
		code == string(proposal.CodeInvalidTransition),
		code == string(payment.CodeAuthorizationUsed),
		code == string(payment.CodeAuthorizationState):
		return http.StatusConflict
	case strings.HasSuffix(code, "_VALIDATION_FAILED"), code == string(xerrors.CodeInvalidArgument),
		code == string(payment.CodeAuthorizationExpired),
		code == string(payment.CodeAuthorizationUnsigned):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
