package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"didpool-service/internal/auth"
	"didpool-service/internal/didpool"
	"didpool-service/internal/provisioning"
	"didpool-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth         *auth.Manager
	Query        *didpool.QueryService
	Allocator    *didpool.Allocator
	Provisioning *provisioning.Service
}

// --- Auth ---

type devTokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// DevToken issues a token pair without credentials. Registered only for local runs;
// operator login lives in the identity service.
func (h Handlers) DevToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Reads ---

func (h Handlers) ListDIDs(c *gin.Context) {
	var page didpool.Page
	var err error
	if page.Limit, err = intQuery(c, "limit"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}
	if page.Offset, err = intQuery(c, "offset"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
		return
	}
	filter := didpool.Filter{
		State:    didpool.State(c.Query("state")),
		TenantID: c.Query("tenant_id"),
	}

	out, err := h.Query.List(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetDID(c *gin.Context) {
	v, err := h.Query.Get(c.Request.Context(), c.Param("did_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) DIDHistory(c *gin.Context) {
	entries, err := h.Query.History(c.Request.Context(), c.Param("did_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

// VerifyDID replays the ledger. A mismatch is reported in the body, not as a failure.
func (h Handlers) VerifyDID(c *gin.Context) {
	st, err := h.Allocator.Verify(c.Request.Context(), c.Param("did_id"))
	if errors.Is(err, didpool.ErrLedgerMismatch) {
		c.JSON(http.StatusOK, gin.H{"consistent": false, "replayed": st, "error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consistent": true, "replayed": st})
}

// --- Mutations ---

type importRequest struct {
	PhoneNumbers []string `json:"phone_numbers"`
}

type reserveRequest struct {
	TenantID string `json:"tenant_id"`
}

type confirmRequest struct {
	TenantID    string `json:"tenant_id"`
	ExternalRef string `json:"external_ref"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) ImportDIDs(c *gin.Context) {
	var req importRequest
	if !bindJSON(c, &req, true) {
		return
	}
	dids, err := h.Provisioning.Import(c.Request.Context(), actorFrom(c), req.PhoneNumbers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": dids})
}

func (h Handlers) ReserveDID(c *gin.Context) {
	var req reserveRequest
	if !bindJSON(c, &req, true) {
		return
	}
	d, err := h.Provisioning.Reserve(c.Request.Context(), actorFrom(c), req.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) ConfirmDID(c *gin.Context) {
	var req confirmRequest
	if !bindJSON(c, &req, true) {
		return
	}
	d, err := h.Provisioning.Confirm(c.Request.Context(), actorFrom(c), c.Param("did_id"), req.TenantID, req.ExternalRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) ReleaseDID(c *gin.Context) {
	var req reasonRequest
	if !bindJSON(c, &req, false) {
		return
	}
	d, err := h.Provisioning.Release(c.Request.Context(), actorFrom(c), c.Param("did_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) RetireDID(c *gin.Context) {
	var req reasonRequest
	if !bindJSON(c, &req, false) {
		return
	}
	d, err := h.Provisioning.Retire(c.Request.Context(), actorFrom(c), c.Param("did_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) ProvisionTenant(c *gin.Context) {
	d, err := h.Provisioning.Provision(c.Request.Context(), actorFrom(c), c.Param("tenant_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) DeprovisionDID(c *gin.Context) {
	var req reasonRequest
	if !bindJSON(c, &req, false) {
		return
	}
	d, err := h.Provisioning.Deprovision(c.Request.Context(), actorFrom(c), c.Param("did_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- helpers ---

func actorFrom(c *gin.Context) provisioning.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return provisioning.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

// bindJSON decodes the body into dst. An empty body is accepted unless required.
func bindJSON(c *gin.Context, dst any, required bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (!required && errors.Is(err, io.EOF)) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
	return false
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type apiError struct {
	status int
	code   string
}

// errorFor maps domain errors to HTTP. Anything unrecognised is a 500.
func errorFor(err error) apiError {
	switch {
	case errors.Is(err, provisioning.ErrForbidden):
		return apiError{http.StatusForbidden, "forbidden"}
	case errors.Is(err, provisioning.ErrRegistrationFailed):
		return apiError{http.StatusBadGateway, "registration_failed"}
	case errors.Is(err, didpool.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found"}
	case errors.Is(err, didpool.ErrPoolExhausted):
		return apiError{http.StatusConflict, "pool_exhausted"}
	case errors.Is(err, didpool.ErrContended):
		return apiError{http.StatusServiceUnavailable, "contended"}
	case errors.Is(err, didpool.ErrNotReserved):
		return apiError{http.StatusConflict, "not_reserved"}
	case errors.Is(err, didpool.ErrWrongTenant):
		return apiError{http.StatusConflict, "wrong_tenant"}
	case errors.Is(err, didpool.ErrInvalidTransition):
		return apiError{http.StatusConflict, "invalid_transition"}
	case errors.Is(err, didpool.ErrDuplicateNumber):
		return apiError{http.StatusConflict, "duplicate_number"}
	case errors.Is(err, didpool.ErrInvalidNumber):
		return apiError{http.StatusBadRequest, "invalid_number"}
	case errors.Is(err, didpool.ErrInvalidArgument):
		return apiError{http.StatusBadRequest, "invalid_argument"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusServiceUnavailable, "cancelled"}
	default:
		return apiError{http.StatusInternalServerError, "internal"}
	}
}

func writeError(c *gin.Context, err error) {
	e := errorFor(err)
	if e.status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "code", e.code, "err", err)
	}
	if e.code == "contended" {
		c.Header("Retry-After", "1")
	}
	msg := err.Error()
	if e.status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(e.status, gin.H{"error": msg, "code": e.code})
}
