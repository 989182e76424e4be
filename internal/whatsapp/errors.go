package whatsapp

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotInitialized       = errors.New("session not initialized")
	ErrPairingNotReady      = errors.New("pairing code not ready")
	ErrSendFailed           = errors.New("send failed")
	ErrUnsupportedMediaKind = errors.New("unsupported media kind")
)

// SendError carries the channel's reason for rejecting a send.
type SendError struct {
	Reason error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Reason)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Reason}
}
