package notify

import (
	"context"

	"code.cloudfoundry.org/lager/v3"

	"github.com/mellea-dev/playground/core"
)

//counterfeiter:generate . Notifier

// Notifier is the fire-and-forget hook invoked when a Run reaches a terminal
// status. The downstream fan-out (email, webhooks) is external to the core;
// errors are logged by callers and never affect the Run.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, ownerID, runID string, status core.RunStatus)
}

// LogNotifier is the default Notifier: it records completions in the log and
// nothing else.
type LogNotifier struct {
	logger lager.Logger
}

func NewLogNotifier(logger lager.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRunCompleted(_ context.Context, ownerID, runID string, status core.RunStatus) {
	n.logger.Info("run-completed", lager.Data{
		"run":    runID,
		"owner":  ownerID,
		"status": string(status),
	})
}
