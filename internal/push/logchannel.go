package push

import (
	"context"
	logx "deptnotify/pkg/logx"

	"deptnotify/internal/model"
)

// LogChannel writes notifications to the daemon log. It only reaches someone
// watching this process, so it is never preferred over a durable channel.
type LogChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) *LogChannel {
	return &LogChannel{log: log.With(logx.String("comp", "push.log"))}
}

func (c *LogChannel) Name() string  { return "log" }
func (c *LogChannel) Durable() bool { return false }

func (c *LogChannel) Confirm(context.Context, model.Identity) error { return nil }

func (c *LogChannel) Send(_ context.Context, m Message) error {
	c.log.Info("notification",
		logx.String("identity", m.Identity),
		logx.String("title", m.Title),
		logx.String("body", m.Body),
		logx.String("link", m.Link),
	)
	return nil
}
