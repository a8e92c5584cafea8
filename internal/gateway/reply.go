package gateway

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/oxibridge/internal/channel"
	"github.com/srg/oxibridge/internal/loop"
)

// pendingReply guards a channel.Result so that exactly one outcome is
// delivered. It must only be used from the delivery loop, or after the loop
// has exited.
type pendingReply struct {
	command  string
	result   channel.Result
	resolved bool
	logger   *logrus.Logger

	release func(*pendingReply) // drops the reply from the gateway's live set
	timer   *loop.Timer         // scan timeout, nil for other commands
}

func newPendingReply(command string, result channel.Result, logger *logrus.Logger) *pendingReply {
	return &pendingReply{
		command: command,
		result:  result,
		logger:  logger,
	}
}

func (r *pendingReply) isResolved() bool {
	return r.resolved
}

func (r *pendingReply) claim(outcome string) error {
	if r.resolved {
		r.logger.WithFields(logrus.Fields{
			"command": r.command,
			"outcome": outcome,
		}).Debug("Ignoring second resolution of reply")
		return ErrReplyResolved
	}
	r.resolved = true
	if r.release != nil {
		r.release(r)
	}
	return nil
}

func (r *pendingReply) success(v any) error {
	if err := r.claim("success"); err != nil {
		return err
	}
	r.logger.WithField("command", r.command).Debug("Reply resolved with success")
	r.result.Success(v)
	return nil
}

func (r *pendingReply) fail(code, message string) error {
	if err := r.claim(code); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"command": r.command,
		"code":    code,
	}).Info("Reply resolved with failure")
	r.result.Error(code, message, nil)
	return nil
}

func (r *pendingReply) notImplemented() error {
	if err := r.claim("not_implemented"); err != nil {
		return err
	}
	r.result.NotImplemented()
	return nil
}
