package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"whatsapp-gateway/internal/auth"
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/service"
	"whatsapp-gateway/internal/util"
	"whatsapp-gateway/internal/whatsapp"
)

// GatewayHandler exposes the gateway over HTTP.
type GatewayHandler struct {
	gateway  *service.Gateway
	otp      *auth.OTPService
	tokens   *auth.TokenIssuer
	adminKey string
	logger   *zap.Logger
}

func NewGatewayHandler(gateway *service.Gateway, otp *auth.OTPService, tokens *auth.TokenIssuer, adminKey string, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		gateway:  gateway,
		otp:      otp,
		tokens:   tokens,
		adminKey: adminKey,
		logger:   logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

type contextKey string

const identityKey contextKey = "identity"

// RegisterRoutes mounts the API under the given router.
func (h *GatewayHandler) RegisterRoutes(router chi.Router) {
	router.Get("/status", h.GetStatus)

	router.Route("/auth", func(r chi.Router) {
		r.Post("/request-otp", h.RequestOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)
			r.Get("/me", h.WhoAmI)
		})
	})

	router.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/groups", h.ListGroups)
		r.Get("/messages/{conversationID}", h.GetMessages)
		r.Post("/messages", h.SendMessage)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdminKey)
		r.Post("/pairing-code", h.RequestPairingCode)
		r.Post("/reset", h.ResetSession)
		r.Get("/diagnostics", h.GetDiagnostics)
	})
}

// requireSession admits callers holding a valid session token or the admin
// API key.
func (h *GatewayHandler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKeyMatches(r) {
			identity := model.Identity{Role: model.RoleAdmin}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.respondWithError(w, http.StatusUnauthorized, auth.ErrInvalidToken, "Authentication required")
			return
		}

		identity, err := h.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, auth.ErrInvalidToken, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

// requireAdminKey admits only callers presenting the admin API key.
func (h *GatewayHandler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.adminKeyMatches(r) {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("invalid api key"), "Admin authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *GatewayHandler) adminKeyMatches(r *http.Request) bool {
	if h.adminKey == "" {
		return false
	}
	key := r.Header.Get("x-api-key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) == 1
}

// GetStatus reports the connection state.
func (h *GatewayHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.Status()
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"state":            status.State.String(),
		"phone":            status.Phone,
		"pairing_required": status.PairingRequired,
	}, ""))
}

// ListGroups returns the joined groups; an empty list while disconnected.
func (h *GatewayHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.gateway.ListGroups(r.Context())
	h.respondWithJSON(w, http.StatusOK, successResponse(groups, ""))
}

// GetMessages returns recent messages for one conversation.
func (h *GatewayHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("conversation id is required"), "Conversation ID is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"), "Invalid limit")
			return
		}
		limit = parsed
	}

	result := h.gateway.GetMessages(r.Context(), conversationID, limit)
	h.respondWithJSON(w, http.StatusOK, successResponse(result, ""))
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendMessage sends a text to a phone number or conversation.
func (h *GatewayHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.To == "" || req.Body == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("to and body are required"), "Recipient and body are required")
		return
	}

	id, err := h.gateway.SendText(r.Context(), req.To, req.Body)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send message")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"message_id": id}, "Message sent"))
}

type otpRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

// RequestOTP issues a verification code for an allowlisted phone.
func (h *GatewayHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otp.RequestOTP(r.Context(), req.Phone, clientIP(r))
	if err != nil {
		var rle *auth.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request verification code")
		return
	}

	data := map[string]interface{}{
		"phone":      result.Phone,
		"expires_at": result.ExpiresAt,
	}
	if result.DevCode != "" {
		data["dev_code"] = result.DevCode
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(data, "Verification code sent"))
}

// VerifyOTP exchanges a correct code for a session token.
func (h *GatewayHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otp.VerifyOTP(r.Context(), req.Phone, req.Code, clientIP(r))
	if err != nil {
		var ice *auth.InvalidCodeError
		if errors.As(err, &ice) {
			h.respondWithJSON(w, http.StatusUnauthorized, Response{
				Success: false,
				Error:   err.Error(),
				Message: "Invalid verification code",
				Data:    map[string]int{"attempts_remaining": ice.AttemptsRemaining},
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"phone":      result.Identity.Phone,
		"role":       result.Identity.Role,
	}, "Verified"))
}

// WhoAmI echoes the identity bound to the presented token.
func (h *GatewayHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, auth.ErrInvalidToken, "Authentication required")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, ""))
}

// RequestPairingCode links a new device to the given phone.
func (h *GatewayHandler) RequestPairingCode(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	code, err := h.gateway.RequestPairingCode(r.Context(), req.Phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request pairing code")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"pairing_code": code}, "Enter this code on the phone"))
}

// ResetSession wipes stored credentials.
func (h *GatewayHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.ResetSession(r.Context()); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session reset, re-pairing required"))
}

// GetDiagnostics returns the operator snapshot.
func (h *GatewayHandler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.gateway.Diagnose(), ""))
}

func (h *GatewayHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *GatewayHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service errors onto HTTP status codes.
func (h *GatewayHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrPhoneNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrChallengeExpired), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, util.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, whatsapp.ErrNotConnected), errors.Is(err, auth.ErrDispatchFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, whatsapp.ErrAlreadyPaired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func withIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func identityFrom(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(model.Identity)
	return identity, ok
}

// clientIP prefers the RealIP middleware's rewrite of RemoteAddr.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
