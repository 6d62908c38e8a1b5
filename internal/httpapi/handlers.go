package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"softphoned/internal/broadcast"
	"softphoned/internal/phoneconfig"
	"softphoned/internal/provisioning"
	"softphoned/internal/sip"
	"softphoned/internal/softphone"
	"softphoned/internal/twilio"
	"softphoned/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the manager, return JSON.

type Handlers struct {
	Phone *softphone.Manager
	Hub   *broadcast.Hub
}

// --- registration ---

func (h Handlers) GetRegistrationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Phone.RegistrationStatus())
}

func (h Handlers) StartRegistration(c *gin.Context) {
	if err := h.Phone.StartRegistration(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.RegistrationStatus())
}

func (h Handlers) StopRegistration(c *gin.Context) {
	h.Phone.StopRegistration()
	c.JSON(http.StatusOK, h.Phone.RegistrationStatus())
}

// --- calls ---

type startCallRequest struct {
	Target string `json:"target"`
}

func (h Handlers) GetCallStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Phone.CallStatus())
}

func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Target == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target required"})
		return
	}
	if err := h.Phone.StartCall(req.Target); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.CallStatus())
}

func (h Handlers) AnswerCall(c *gin.Context) {
	if err := h.Phone.AnswerCall(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.CallStatus())
}

func (h Handlers) HangUpCall(c *gin.Context) {
	if err := h.Phone.HangUpCall(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.CallStatus())
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h Handlers) SetMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Phone.SetMute(req.Muted); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": req.Muted})
}

type holdRequest struct {
	Hold bool `json:"hold"`
}

func (h Handlers) SetHold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Phone.SetHold(req.Hold); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.CallStatus())
}

// --- provisioning ---

func (h Handlers) GetCredentialsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"configured": h.Phone.CredentialsStatus()})
}

func (h Handlers) GetAccessToken(c *gin.Context) {
	token, err := h.Phone.AccessToken(c.Request.Context(), c.Query("identity"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type listNumbersRequest struct {
	Credentials *softphone.TempCredentials `json:"credentials,omitempty"`
}

// ListPhoneNumbers accepts optional temporary credentials in the body so the
// UI can browse an account before anything is saved.
func (h Handlers) ListPhoneNumbers(c *gin.Context) {
	var req listNumbersRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	numbers, err := h.Phone.ListPhoneNumbers(c.Request.Context(), req.Credentials)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"numbers": numbers})
}

func (h Handlers) ActivateAccount(c *gin.Context) {
	var req provisioning.ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Phone.ActivateAccount(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.Config())
}

// --- configuration ---

func (h Handlers) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Phone.Config())
}

func (h Handlers) SaveConfig(c *gin.Context) {
	var patch phoneconfig.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Phone.SaveConfig(c.Request.Context(), patch); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.Config())
}

func (h Handlers) ResetConfig(c *gin.Context) {
	if err := h.Phone.ResetConfig(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Phone.Config())
}

func (h Handlers) GetSelectedNumber(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"number": h.Phone.SelectedNumber()})
}

// --- events ---

// StreamEvents feeds the broadcast hub to the client as server-sent events.
// The stream ends when the client disconnects.
func (h Handlers) StreamEvents(c *gin.Context) {
	ch, cancel := h.Hub.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			c.Writer.Flush()
		}
	}
}

// respondError maps domain errors to HTTP statuses. Step errors carry the
// failed provisioning step so the UI can point at it.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var se *provisioning.StepError

	switch {
	case errors.As(err, &se) && se.Step == provisioning.StepValidate:
		status = http.StatusBadRequest
	case errors.Is(err, sip.ErrIncompleteConfig):
		status = http.StatusBadRequest
	case errors.Is(err, sip.ErrNotRegistered),
		errors.Is(err, sip.ErrCallInProgress),
		errors.Is(err, sip.ErrCallEnded):
		status = http.StatusConflict
	case errors.Is(err, sip.ErrNoIncomingCall), errors.Is(err, sip.ErrNoActiveCall):
		status = http.StatusNotFound
	case errors.Is(err, softphone.ErrCredentialsNotConfigured),
		errors.Is(err, provisioning.ErrTokenNotReady),
		errors.Is(err, provisioning.ErrIdentityRequired):
		status = http.StatusConflict
	case twilio.IsAuthFailure(err):
		status = http.StatusUnauthorized
	}

	l := logger.FromGin(c)
	if status >= http.StatusInternalServerError {
		l.Error("command failed", "status", status, "err", err)
	} else {
		l.Debug("command rejected", "status", status, "err", err)
	}

	payload := gin.H{"error": err.Error()}
	if errors.As(err, &se) {
		payload["step"] = string(se.Step)
	}
	c.AbortWithStatusJSON(status, payload)
}
