package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite through sqlx)
//   - "memory" or "": process-lifetime maps, for tests and throwaway runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the local stores, the inbox and the
// privileged intermediary.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteIdentity removes every "<namespace>:<identity>" key.
	DeleteIdentity(ctx context.Context, identity string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Compact folds journals into snapshots and drops expired dedup entries.
	Compact(ctx context.Context) error
	Close() error
}

// Key namespaces. Every per-identity key is "<namespace>:<identity>".
const (
	NSWatermark      = "watermark"
	NSPreferences    = "notif_prefs"
	NSInbox          = "notifications"
	NSPushPermission = "push_permission"
	NSRowStatus      = "row_status"
)

func Key(namespace, identity string) string { return namespace + ":" + identity }

// identityOf returns the identity part of a namespaced key.
func identityOf(key string) (string, bool) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", false
	}
	return key[i+1:], true
}

// AuditEntry records one privileged operation. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email,omitempty"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	OK         int       `json:"ok"`
	Fail       int       `json:"fail"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
	MetaJSON   string    `json:"meta,omitempty"`
}
