package vts

import (
	"encoding/json"
	"fmt"
)

// Envelope constants shared by every request and response.
const (
	APIName    = "VTubeStudioPublicAPI"
	APIVersion = "1.0"
)

// Message types used by the bridge.
const (
	MsgAuthenticationToken = "AuthenticationTokenRequest"
	MsgAuthentication      = "AuthenticationRequest"
	MsgParameterCreation   = "ParameterCreationRequest"
	MsgInjectParameterData = "InjectParameterDataRequest"
	MsgAPIError            = "APIError"
	MsgStateBroadcast      = "VTubeStudioAPIStateBroadcast"
)

// Envelope is the JSON wrapper around every message exchanged with the
// avatar app. Responses carry the requestID of the request they answer.
type Envelope struct {
	APIName     string          `json:"apiName"`
	APIVersion  string          `json:"apiVersion"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	RequestID   string          `json:"requestID,omitempty"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(requestID, messageType string, data any) (Envelope, error) {
	env := Envelope{
		APIName:     APIName,
		APIVersion:  APIVersion,
		RequestID:   requestID,
		MessageType: messageType,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", messageType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// APIError is an error response from the avatar app.
type APIError struct {
	ID      int    `json:"errorID"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.ID, e.Message)
}

type tokenRequest struct {
	PluginName      string `json:"pluginName"`
	PluginDeveloper string `json:"pluginDeveloper"`
}

type tokenResponse struct {
	AuthenticationToken string `json:"authenticationToken"`
}

type authRequest struct {
	PluginName          string `json:"pluginName"`
	PluginDeveloper     string `json:"pluginDeveloper"`
	AuthenticationToken string `json:"authenticationToken"`
}

type authResponse struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
}

type parameterCreation struct {
	ParameterName string  `json:"parameterName"`
	Explanation   string  `json:"explanation,omitempty"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	DefaultValue  float64 `json:"defaultValue"`
}

type parameterValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

type injectParameters struct {
	FaceFound       bool             `json:"faceFound"`
	Mode            string           `json:"mode"`
	ParameterValues []parameterValue `json:"parameterValues"`
}

// stateBroadcast is the UDP announcement the avatar app sends while its
// API server is running.
type stateBroadcast struct {
	Active      bool   `json:"active"`
	Port        int    `json:"port"`
	InstanceID  string `json:"instanceID"`
	WindowTitle string `json:"windowTitle"`
}
