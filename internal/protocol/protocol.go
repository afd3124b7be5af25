// Package protocol defines the JSON messages exchanged between relay peers.
//
// Every application message is a single WebSocket text frame holding one JSON
// object whose "type" field selects the variant. Liveness uses WebSocket
// ping/pong control frames and never appears here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeRegister      = "register"
	TypeRegisterAck   = "register_ack"
	TypeRegisterError = "register_error"
	TypeAuth          = "auth"
	TypeAuthResponse  = "auth_response"
	TypePopupRequest  = "popup_request"
	TypePopupResponse = "popup_response"
	TypeError         = "error"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrMissingField = errors.New("missing required field")
	ErrUnknownType  = errors.New("unknown message type")
)

// Message is implemented by every variant.
type Message interface {
	MessageType() string
}

type Register struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

type RegisterAck struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type RegisterError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type Auth struct {
	Type   string `json:"type"`
	APIKey string `json:"api_key"`
}

type AuthResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PopupRequest asks the peer to put a prompt in front of a human.
type PopupRequest struct {
	Type              string   `json:"type"`
	RequestID         string   `json:"request_id"`
	Message           string   `json:"message"`
	PredefinedOptions []string `json:"predefined_options,omitempty"`
	IsMarkdown        bool     `json:"is_markdown"`
}

// PopupResponse answers a PopupRequest. Error is set instead of Response
// when the answering side could not run its approval program.
type PopupResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (Register) MessageType() string      { return TypeRegister }
func (RegisterAck) MessageType() string   { return TypeRegisterAck }
func (RegisterError) MessageType() string { return TypeRegisterError }
func (Auth) MessageType() string          { return TypeAuth }
func (AuthResponse) MessageType() string  { return TypeAuthResponse }
func (PopupRequest) MessageType() string  { return TypePopupRequest }
func (PopupResponse) MessageType() string { return TypePopupResponse }
func (Error) MessageType() string         { return TypeError }

func NewRegister(clientID string) Register {
	return Register{Type: TypeRegister, ClientID: clientID}
}

func NewRegisterAck(msg string) RegisterAck {
	return RegisterAck{Type: TypeRegisterAck, Message: msg}
}

func NewRegisterError(msg string) RegisterError {
	return RegisterError{Type: TypeRegisterError, Error: msg}
}

func NewAuth(apiKey string) Auth {
	return Auth{Type: TypeAuth, APIKey: apiKey}
}

func NewAuthResponse(success bool, msg string) AuthResponse {
	return AuthResponse{Type: TypeAuthResponse, Success: success, Message: msg}
}

func NewPopupRequest(id, msg string, options []string, markdown bool) PopupRequest {
	return PopupRequest{
		Type:              TypePopupRequest,
		RequestID:         id,
		Message:           msg,
		PredefinedOptions: options,
		IsMarkdown:        markdown,
	}
}

func NewPopupResponse(id, response string) PopupResponse {
	return PopupResponse{Type: TypePopupResponse, RequestID: id, Response: response}
}

func NewPopupFailure(id, reason string) PopupResponse {
	return PopupResponse{Type: TypePopupResponse, RequestID: id, Error: reason}
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}

// Encode marshals m, filling in the type discriminator if the caller built
// the struct literal without a constructor.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Register:
		v.Type = TypeRegister
		return json.Marshal(v)
	case RegisterAck:
		v.Type = TypeRegisterAck
		return json.Marshal(v)
	case RegisterError:
		v.Type = TypeRegisterError
		return json.Marshal(v)
	case Auth:
		v.Type = TypeAuth
		return json.Marshal(v)
	case AuthResponse:
		v.Type = TypeAuthResponse
		return json.Marshal(v)
	case PopupRequest:
		v.Type = TypePopupRequest
		return json.Marshal(v)
	case PopupResponse:
		v.Type = TypePopupResponse
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownType, m)
	}
}

// Decode parses one text frame into its concrete variant. The returned error
// wraps ErrMalformed, ErrMissingField or ErrUnknownType; callers log it and
// drop the frame without closing the connection.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	case TypeRegister:
		var m Register
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.ClientID == "" {
			return nil, fmt.Errorf("%w: client_id", ErrMissingField)
		}
		return m, nil
	case TypeRegisterAck:
		var m RegisterAck
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRegisterError:
		var m RegisterError
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAuth:
		// An empty key still decodes: the hub must answer it with a failure.
		var m Auth
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAuthResponse:
		var m AuthResponse
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePopupRequest:
		var m PopupRequest
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("%w: request_id", ErrMissingField)
		}
		return m, nil
	case TypePopupResponse:
		var m PopupResponse
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("%w: request_id", ErrMissingField)
		}
		return m, nil
	case TypeError:
		var m Error
		if err := unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// PeekType returns the "type" field of a frame without validating the rest,
// or "" when the frame is not a JSON object.
func PeekType(data []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	return env.Type
}
