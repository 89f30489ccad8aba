package call

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wavelink-backend/internal/domain"
	callservice "wavelink-backend/internal/service/call"
	"wavelink-backend/pkg/response"
)

// Handler handles call registry HTTP requests
type Handler struct {
	callService *callservice.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *callservice.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// currentUserID extracts the authenticated user from the gin context.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	Type           string `json:"type" binding:"required,oneof=voice video"`
}

// StartCall starts a new call
// POST /v1/calls/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	call, err := h.callService.Start(c.Request.Context(), callerID, conversationID, domain.CallType(req.Type))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// AcceptCall accepts a ringing call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	result, err := h.callService.Accept(c.Request.Context(), userID, callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	// Soft failures are part of the contract, not HTTP errors.
	response.Success(c, http.StatusOK, result)
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	ended, err := h.callService.End(c.Request.Context(), userID, callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"ended":   ended,
	})
}

// SendSignalRequest represents an outbound negotiation signal
type SendSignalRequest struct {
	ToUserID string          `json:"to_user_id" binding:"required,uuid"`
	Type     string          `json:"type" binding:"required,oneof=offer answer candidate"`
	Payload  json.RawMessage `json:"payload"`
}

// SendSignal appends a signal to the recipient's mailbox
// POST /v1/calls/:id/signals
func (h *Handler) SendSignal(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	var req SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	toUserID, err := uuid.Parse(req.ToUserID)
	if err != nil {
		response.ValidationError(c, "Invalid recipient ID")
		return
	}

	signal, err := h.callService.SendSignal(c.Request.Context(), userID, callID, toUserID, domain.SignalType(req.Type), req.Payload)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, signal)
}

// GetActiveCall returns the conversation's current call, if the requester
// participates in one
// GET /v1/calls/active?conversation_id=
func (h *Handler) GetActiveCall(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Query("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	call, err := h.callService.ActiveCallFor(c.Request.Context(), userID, conversationID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call": call,
	})
}

// GetSignals returns the requester's signal history for a call, newest first
// GET /v1/calls/:id/signals
func (h *Handler) GetSignals(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	signals, err := h.callService.SignalsFor(c.Request.Context(), userID, callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"signals": signals,
	})
}
