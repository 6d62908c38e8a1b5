package twilio

// Adapter-boundary types for the calling-platform REST API. Only the fields
// the daemon acts on are decoded; everything else stays with the provider.

// IncomingPhoneNumber is a provisioned phone number resource.
type IncomingPhoneNumber struct {
	SID                 string `json:"sid"`
	PhoneNumber         string `json:"phone_number"`
	FriendlyName        string `json:"friendly_name"`
	VoiceApplicationSID string `json:"voice_application_sid"`
	VoiceURL            string `json:"voice_url"`
	VoiceMethod         string `json:"voice_method"`
}

// Application is a voice application resource mapping calls to a webhook.
type Application struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	VoiceURL     string `json:"voice_url"`
	VoiceMethod  string `json:"voice_method"`
}

// ApplicationParams creates or updates a voice application.
type ApplicationParams struct {
	FriendlyName string
	VoiceURL     string
	VoiceMethod  string
}

// NumberUpdateParams rebinds a phone number. Voice URL and status callback are
// cleared explicitly when binding to an application so routing stays
// unambiguous.
type NumberUpdateParams struct {
	VoiceApplicationSID  string
	VoiceURL             string
	VoiceMethod          string
	StatusCallback       string
	StatusCallbackMethod string
}
