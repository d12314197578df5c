package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/expense-pipeline/internal/config"
	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
	"github.com/kirillkom/expense-pipeline/internal/observability/metrics"
)

const (
	serviceName = "api"
	xlsxMIME    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	maxBodySize = 1 << 20
)

type Router struct {
	cfg       config.Config
	documents ports.DocumentReader
	callbacks ports.GroupPayCallbacks
	reports   ports.RemediationReporter
	metrics   *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	documents ports.DocumentReader,
	callbacks ports.GroupPayCallbacks,
	reports ports.RemediationReporter,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		cfg:       cfg,
		documents: documents,
		callbacks: callbacks,
		reports:   reports,
		metrics:   httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	groupPay := http.NewServeMux()
	groupPay.HandleFunc("POST /v1/group-pay/expenses", rt.applyDeliveryResult)
	groupPay.HandleFunc("POST /v1/group-pay/client-groups", rt.upsertClientGroup)
	groupPay.HandleFunc("POST /v1/group-pay/companies", rt.upsertCompany)
	groupPay.HandleFunc("PUT /v1/group-pay/companies/{uuid}/enable", rt.setCompanyActive(true))
	groupPay.HandleFunc("PUT /v1/group-pay/companies/{uuid}/disable", rt.setCompanyActive(false))

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	api.HandleFunc("GET /v1/reports/remediation.xlsx", rt.remediationReport)
	api.Handle("/v1/group-pay/", bearerAuthMiddleware(groupPay, rt.cfg.APIKey))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", backpressureMiddleware(
		rateLimitMiddleware(api, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst),
		rt.cfg.APIMaxInFlight,
		rt.cfg.APIBackpressure,
	))

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id must be a positive integer"})
		return
	}

	doc, err := rt.documents.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) applyDeliveryResult(w http.ResponseWriter, r *http.Request) {
	var req domain.DeliveryResult
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DocumentID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "documentId is required"})
		return
	}

	doc, err := rt.callbacks.ApplyResult(r.Context(), req)
	rt.recordCallback("expense_result", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type clientGroupRequest struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	CNPJ        string `json:"cnpj"`
	AIUser      bool   `json:"ai_user"`
	AIPlan      string `json:"ai_plan_type"`
	SupportCode string `json:"codigo_suporte"`
	Email       string `json:"email"`
}

func (rt *Router) upsertClientGroup(w http.ResponseWriter, r *http.Request) {
	var req clientGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	group := &domain.ClientGroup{
		UUID:        strings.TrimSpace(req.UUID),
		Username:    strings.TrimSpace(req.Username),
		CNPJ:        domain.NormalizeTaxID(req.CNPJ),
		AIUser:      req.AIUser,
		AIPlan:      domain.AIPlanType(strings.ToUpper(strings.TrimSpace(req.AIPlan))),
		SupportCode: strings.TrimSpace(req.SupportCode),
		Email:       strings.TrimSpace(req.Email),
	}
	err := rt.callbacks.UpsertClientGroup(r.Context(), group)
	rt.recordCallback("client_group", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

type companyRequest struct {
	ClientGroupUUID string `json:"client_group_uuid"`
	UUID            string `json:"uuid"`
	CNPJ            string `json:"cnpj"`
	FantasyName     string `json:"fantasy_name"`
	LegalName       string `json:"legal_name"`
	Active          *bool  `json:"active"`
}

func (rt *Router) upsertCompany(w http.ResponseWriter, r *http.Request) {
	var req companyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClientGroupUUID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_group_uuid is required"})
		return
	}

	company := &domain.Company{
		UUID:        strings.TrimSpace(req.UUID),
		CNPJ:        domain.NormalizeTaxID(req.CNPJ),
		FantasyName: strings.TrimSpace(req.FantasyName),
		LegalName:   strings.TrimSpace(req.LegalName),
		Active:      req.Active == nil || *req.Active,
	}
	err := rt.callbacks.UpsertCompany(r.Context(), strings.TrimSpace(req.ClientGroupUUID), company)
	rt.recordCallback("company", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, company)
}

func (rt *Router) setCompanyActive(active bool) http.HandlerFunc {
	kind := "company_disable"
	if active {
		kind = "company_enable"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		companyUUID := strings.TrimSpace(r.PathValue("uuid"))
		if companyUUID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "company uuid is required"})
			return
		}

		company, err := rt.callbacks.SetCompanyActive(r.Context(), companyUUID, active)
		rt.recordCallback(kind, err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, company)
	}
}

func (rt *Router) remediationReport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := rt.reports.Export(r.Context(), &buf); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", `attachment; filename="remediation.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (rt *Router) recordCallback(kind string, err error) {
	if rt.metrics != nil {
		rt.metrics.RecordCallback(serviceName, kind, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
