// Package command answers on-demand chat commands: recent, info and poll.
package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/commitwatch/internal/metrics"
	"github.com/drewdunne/commitwatch/internal/poll"
)

// ErrUnknownCommand is returned for text that is not a command.
var ErrUnknownCommand = errors.New("unknown command")

// Replies shown to the requester.
const (
	ReplyInvalidParameters = "Invalid number of parameters."
	ReplyNotMonitored      = "That repository is not monitored by me!"
	ReplyInvalidRevision   = "That is not a revision I can look up."
	ReplyQueryFailed       = "Sorry, I could not reach that repository right now."
	ReplyPolling           = "Hold on a second, I'm polling!"
	ReplyNothingToReport   = "Sorry, there was nothing to report."
)

// Backend runs the queries behind each command. *poll.Driver implements it.
type Backend interface {
	Recent(ctx context.Context) []string
	Info(ctx context.Context, repo, rev string) (string, error)
	RunCycle(ctx context.Context) bool
}

// Dispatcher parses command text and produces reply lines.
type Dispatcher struct {
	backend   Backend
	debouncer *Debouncer
	log       *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher ignoring repeats from the same channel
// within debounce.
func NewDispatcher(backend Backend, debounce time.Duration, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		backend:   backend,
		debouncer: NewDebouncer(debounce),
		log:       log,
	}
}

// Handle runs the command in text for channel. A debounced repeat returns
// no replies and no error.
func (d *Dispatcher) Handle(ctx context.Context, channel, text string) ([]string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, ErrUnknownCommand
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "recent", "info", "poll", "esan!":
	default:
		return nil, ErrUnknownCommand
	}

	if !d.debouncer.ShouldProcess(channel + "\x00" + strings.Join(fields, " ")) {
		d.log.Debugw("debounced command", "channel", channel, "command", name)
		return nil, nil
	}
	metrics.CommandHandled()
	d.log.Infow("command", "channel", channel, "command", name, "args", args)

	switch name {
	case "recent":
		return d.recent(ctx), nil
	case "info":
		return d.info(ctx, args), nil
	default:
		return d.poll(ctx), nil
	}
}

func (d *Dispatcher) recent(ctx context.Context) []string {
	lines := d.backend.Recent(ctx)
	if len(lines) == 0 {
		return []string{ReplyNothingToReport}
	}
	return lines
}

func (d *Dispatcher) info(ctx context.Context, args []string) []string {
	if len(args) != 2 {
		return []string{ReplyInvalidParameters}
	}

	line, err := d.backend.Info(ctx, args[0], args[1])
	switch {
	case err == nil:
		return []string{line}
	case errors.Is(err, poll.ErrNotMonitored):
		return []string{ReplyNotMonitored}
	case errors.Is(err, poll.ErrInvalidRevision):
		return []string{ReplyInvalidRevision}
	default:
		d.log.Warnw("info query failed", "repository", args[0], "revision", args[1], "error", err)
		return []string{ReplyQueryFailed}
	}
}

func (d *Dispatcher) poll(ctx context.Context) []string {
	replies := []string{ReplyPolling}
	if !d.backend.RunCycle(ctx) {
		replies = append(replies, ReplyNothingToReport)
	}
	return replies
}
