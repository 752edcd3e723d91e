// Package gateway talks to the Evolution API messaging gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReachable is returned when the destination has no account on the
	// messaging network.
	ErrNotReachable = errors.New("destination not reachable")
	// ErrUpstream is returned for failed or malformed gateway calls.
	ErrUpstream = errors.New("gateway error")
)

// APIError is a non-2xx gateway response. It matches ErrUpstream.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrUpstream }

// MessageKey identifies a message on the gateway.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// SendResult is the gateway's answer to a send.
type SendResult struct {
	Key       MessageKey
	Status    string
	Timestamp int64
}

// NumberCheck reports whether an address has an account on the network.
type NumberCheck struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
	Number string `json:"number"`
}

// Profile is the public profile of a contact.
type Profile struct {
	Name    string
	Picture string
}

// Client is the subset of the gateway API the relay uses. Addresses are
// canonical; implementations convert them to what the gateway expects.
type Client interface {
	SendText(ctx context.Context, instance, address, text string) (SendResult, error)
	CheckHasAccount(ctx context.Context, instance string, addresses []string) ([]NumberCheck, error)
	MarkRead(ctx context.Context, instance string, keys []MessageKey) error
	MarkUnread(ctx context.Context, instance, chat string, last MessageKey) error
	FetchProfile(ctx context.Context, instance, number string) (Profile, error)
}

// Resolver picks the Client serving an account.
type Resolver interface {
	ClientFor(accountID string) (Client, error)
}
