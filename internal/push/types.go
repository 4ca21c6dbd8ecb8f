package push

import (
	"context"
	"errors"
	"time"

	"deptnotify/internal/model"
)

var (
	// ErrForbidden is returned by a channel that the user has blocked or that
	// may not message the user.
	ErrForbidden = errors.New("push channel forbidden")
	// ErrUnbound is returned by a channel that has no destination for the
	// identity. The service moves on to the next channel.
	ErrUnbound   = errors.New("push channel has no destination for identity")
	ErrNoChannel = errors.New("no push channel configured")
	ErrStopped   = errors.New("push service stopped")
	ErrQueueFull = errors.New("push queue full")
)

type State string

const (
	StateDefault State = "default"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// Message is one OS notification.
type Message struct {
	Identity string
	// Destination is the address recorded when permission was granted.
	Destination string
	Title       string
	Body        string
	Link        string
}

// Channel is a delivery path for OS notifications.
type Channel interface {
	Name() string
	// Durable reports whether the channel reaches the user without this
	// process running a visible view.
	Durable() bool
	// Confirm proves the channel can reach the user, typically by sending a
	// confirmation message. ErrForbidden means the user refused.
	Confirm(ctx context.Context, identity model.Identity) error
	Send(ctx context.Context, m Message) error
}

// Router is implemented by channels that address every identity separately.
// Destination returns ErrUnbound when the identity has no address.
type Router interface {
	Destination(identity model.Identity) (string, error)
}

// Permission is the persisted per-identity record.
type Permission struct {
	State       State     `json:"state"`
	Channel     string    `json:"channel,omitempty"`
	Destination string    `json:"destination,omitempty"`
	ChangedAt   time.Time `json:"changed_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Config controls the send pipeline.
type Config struct {
	RatePerSec    int
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// DeniedEvent is the payload of push.denied.
type DeniedEvent struct {
	Channel string    `json:"channel"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
