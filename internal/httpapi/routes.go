package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Register wires the command surface and the event stream.
// Keep this file free of business logic; handlers delegate to the manager.
func Register(r *gin.Engine, h Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		reg := v1.Group("/registration")
		{
			reg.GET("", h.GetRegistrationStatus)
			reg.POST("/start", h.StartRegistration)
			reg.POST("/stop", h.StopRegistration)
		}

		call := v1.Group("/call")
		{
			call.GET("", h.GetCallStatus)
			call.POST("", h.StartCall)
			call.POST("/answer", h.AnswerCall)
			call.POST("/hangup", h.HangUpCall)
			call.POST("/mute", h.SetMute)
			call.POST("/hold", h.SetHold)
		}

		v1.GET("/credentials/status", h.GetCredentialsStatus)
		v1.GET("/token", h.GetAccessToken)
		v1.POST("/phone-numbers", h.ListPhoneNumbers)
		v1.POST("/account/activate", h.ActivateAccount)

		cfg := v1.Group("/config")
		{
			cfg.GET("", h.GetConfig)
			cfg.PATCH("", h.SaveConfig)
			cfg.DELETE("", h.ResetConfig)
		}
		v1.GET("/selected-number", h.GetSelectedNumber)

		v1.GET("/events", h.StreamEvents)
	}
}
