package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by operations that need a live channel.
	ErrNotConnected = errors.New("notification channel not connected")
	// ErrChannelActive is returned when Connect is called before the previous
	// connection was torn down.
	ErrChannelActive = errors.New("notification channel already active")
	// ErrUnknownEvent is returned when decoding an event with no update variant.
	ErrUnknownEvent = errors.New("unknown update event")
	// ErrNoValidFiles is returned when every file of an upload was rejected.
	ErrNoValidFiles = errors.New("no valid files to upload")

	errEmptyPayload = errors.New("empty payload")
)

// ConnectionError reports a failed handshake or a dropped transport.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// GroupOperationError reports a failed join or leave of a session group.
type GroupOperationError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *GroupOperationError) Error() string {
	return fmt.Sprintf("%s group %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *GroupOperationError) Unwrap() error { return e.Err }

// MessageDecodeError reports an update payload that could not be parsed.
type MessageDecodeError struct {
	Event string
	Err   error
}

func (e *MessageDecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Event, e.Err)
}

func (e *MessageDecodeError) Unwrap() error { return e.Err }

// UploadTransportError reports a failed upload request.
type UploadTransportError struct {
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *UploadTransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upload timed out: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
	default:
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
}

func (e *UploadTransportError) Unwrap() error { return e.Err }

// UserMessage returns the actionable text shown when an upload fails.
func (e *UploadTransportError) UserMessage() string {
	switch {
	case e.Timeout:
		return "The request took too long to complete. Please check your network connection or try again with smaller files."
	case e.StatusCode != 0:
		return fmt.Sprintf("Upload failed: %d. Details: %s", e.StatusCode, strings.TrimSpace(e.Body))
	default:
		return "Network error: could not reach the upload server. Please check if your API server is running."
	}
}
