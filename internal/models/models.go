// Package models defines the core data structures for TriagePipe.
//
// It includes the conversation and triage types shared by the workflow engine,
// the conversation store and the front-ends, plus the JSON envelope used by the API.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxTurnTextLength defines the maximum allowed length for a single user message
	MaxTurnTextLength = 4096
	// MaxImageBytes defines the maximum accepted size of an attached image
	MaxImageBytes = 5 << 20
)

// Error variables for better error handling and testability
var (
	ErrEmptyThreadID    = errors.New("thread id cannot be empty")
	ErrEmptyTurn        = errors.New("turn must carry text or an image")
	ErrTurnTextTooLong  = errors.New("turn text exceeds maximum length")
	ErrImageTooLarge    = errors.New("image exceeds maximum size")
	ErrInvalidLatitude  = errors.New("latitude must be within [-90, 90]")
	ErrInvalidLongitude = errors.New("longitude must be within [-180, 180]")
	ErrInvalidSeverity  = errors.New("invalid severity value")
	ErrInvalidRole      = errors.New("invalid message role")
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records an outbound delivery event on a messaging platform.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// InboundMessage is one message received from a messaging platform. Exactly one of
// Body/Image/Location is usually set; an image may come with a caption in Body.
type InboundMessage struct {
	From     string    `json:"from"`
	Body     string    `json:"body,omitempty"`
	Image    []byte    `json:"-"`
	Location *Location `json:"location,omitempty"`
	Time     int64     `json:"time"`
}

// HasContent reports whether the message carries anything to act on.
func (m InboundMessage) HasContent() bool {
	return m.Body != "" || len(m.Image) > 0 || m.Location != nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// now is swapped in tests that need stable timestamps.
var now = time.Now
