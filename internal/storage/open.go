package storage

import (
	logx "deptnotify/pkg/logx"
	"fmt"
	"strings"
)

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"":        func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"none":    func(Config, logx.Logger) (Store, error) { return nil, ErrDisabled },
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open initializes the store for cfg.Driver. Driver "none" returns ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %q", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
