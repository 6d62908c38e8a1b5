package phoneconfig

// Configuration is the persisted softphone record.
//
// Rules:
// - Secret-shaped values (SIP password, API key secret) are never part of this
//   type; they live in the vault. A Configuration is always safe to log,
//   persist and hand to UI observers.
// - Loading always merges with Defaults() so every known field is present.
type Configuration struct {
	// SIP account.
	Server      string `json:"server"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	// Transport is the signaling transport scheme ("WSS" or "WS").
	Transport string `json:"transport"`

	// Calling-platform account.
	AccountSID             string `json:"accountSid"`
	APIKeySID              string `json:"apiKeySid"`
	FunctionURL            string `json:"functionUrl"`
	TwimlAppSID            string `json:"twimlAppSid"`
	SelectedPhoneNumber    string `json:"selectedPhoneNumber"`
	SelectedPhoneNumberSID string `json:"selectedPhoneNumberSid"`

	// Device preferences.
	AudioInputDeviceID  string `json:"audioInputDeviceId"`
	AudioOutputDeviceID string `json:"audioOutputDeviceId"`
}

// Defaults returns the baseline record used to fill unset fields on load.
func Defaults() Configuration {
	return Configuration{
		Transport:           "WSS",
		AudioInputDeviceID:  "default",
		AudioOutputDeviceID: "default",
	}
}

// WithDefaults fills zero-valued fields that have non-zero defaults.
func (c Configuration) WithDefaults() Configuration {
	d := Defaults()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.AudioInputDeviceID == "" {
		c.AudioInputDeviceID = d.AudioInputDeviceID
	}
	if c.AudioOutputDeviceID == "" {
		c.AudioOutputDeviceID = d.AudioOutputDeviceID
	}
	return c
}

// HasSIPAccount reports whether the record names a SIP account. The password
// lives in the vault and is checked separately by the caller.
func (c Configuration) HasSIPAccount() bool {
	return c.Server != "" && c.Username != ""
}

// HasCredentials reports whether the calling-platform account is configured:
// account sid, api key sid and function URL all present. The key secret is
// implied by the key sid (it is stored in the vault under that id).
func (c Configuration) HasCredentials() bool {
	return c.AccountSID != "" && c.APIKeySID != "" && c.FunctionURL != ""
}

// ReadyForToken reports whether access tokens can be issued: account sid,
// api key sid and the managed application sid all present.
func (c Configuration) ReadyForToken() bool {
	return c.AccountSID != "" && c.APIKeySID != "" && c.TwimlAppSID != ""
}

// Patch is a partial update to the record. Nil fields are left untouched.
//
// Password and APIKeySecret may arrive here from the UI but are never applied
// to a Configuration; the manager routes them to the vault and drops them.
type Patch struct {
	Server      *string `json:"server,omitempty"`
	Port        *int    `json:"port,omitempty"`
	Username    *string `json:"username,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	Transport   *string `json:"transport,omitempty"`

	AccountSID             *string `json:"accountSid,omitempty"`
	APIKeySID              *string `json:"apiKeySid,omitempty"`
	FunctionURL            *string `json:"functionUrl,omitempty"`
	TwimlAppSID            *string `json:"twimlAppSid,omitempty"`
	SelectedPhoneNumber    *string `json:"selectedPhoneNumber,omitempty"`
	SelectedPhoneNumberSID *string `json:"selectedPhoneNumberSid,omitempty"`

	AudioInputDeviceID  *string `json:"audioInputDeviceId,omitempty"`
	AudioOutputDeviceID *string `json:"audioOutputDeviceId,omitempty"`

	Password     *string `json:"password,omitempty"`
	APIKeySecret *string `json:"apiKeySecret,omitempty"`
}

// Apply returns a copy of c with the non-nil, non-secret fields of p applied.
func (p Patch) Apply(c Configuration) Configuration {
	if p.Server != nil {
		c.Server = *p.Server
	}
	if p.Port != nil {
		c.Port = *p.Port
	}
	if p.Username != nil {
		c.Username = *p.Username
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Transport != nil {
		c.Transport = *p.Transport
	}
	if p.AccountSID != nil {
		c.AccountSID = *p.AccountSID
	}
	if p.APIKeySID != nil {
		c.APIKeySID = *p.APIKeySID
	}
	if p.FunctionURL != nil {
		c.FunctionURL = *p.FunctionURL
	}
	if p.TwimlAppSID != nil {
		c.TwimlAppSID = *p.TwimlAppSID
	}
	if p.SelectedPhoneNumber != nil {
		c.SelectedPhoneNumber = *p.SelectedPhoneNumber
	}
	if p.SelectedPhoneNumberSID != nil {
		c.SelectedPhoneNumberSID = *p.SelectedPhoneNumberSID
	}
	if p.AudioInputDeviceID != nil {
		c.AudioInputDeviceID = *p.AudioInputDeviceID
	}
	if p.AudioOutputDeviceID != nil {
		c.AudioOutputDeviceID = *p.AudioOutputDeviceID
	}
	return c.WithDefaults()
}

// TouchesConnection reports whether the patch changes fields that require a
// registration restart (server address, account, transport or SIP password).
func (p Patch) TouchesConnection() bool {
	return p.Server != nil || p.Port != nil || p.Username != nil ||
		p.DisplayName != nil || p.Transport != nil || p.Password != nil
}

// TouchesRESTCredentials reports whether the patch changes the identifiers the
// REST client is built from; the cached client must be dropped when it does.
func (p Patch) TouchesRESTCredentials() bool {
	return p.AccountSID != nil || p.APIKeySID != nil || p.APIKeySecret != nil
}
