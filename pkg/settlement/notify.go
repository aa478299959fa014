package settlement

import (
	"errors"

	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// Business outcomes. None of them is retried.
var (
	ErrBusy            = errors.New("settlement: already processing")
	ErrLockNotGranted  = errors.New("settlement: remote did not grant the lock")
	ErrNothingToSettle = errors.New("settlement: no eligible orders")
)

// Notification is an operator-facing message. Only final outcomes produce one.
type Notification struct {
	Kind      string // "collect_failed", "payout_failed", "session_ended", ...
	OrderType string
	Keys      []string
	Message   string
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to the log at warn level.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: util.OrNop(logger)}
}

func (n *LogNotifier) Notify(ev Notification) {
	n.log.Warnw("operator_notification", "kind", ev.Kind, "order_type", ev.OrderType, "keys", ev.Keys, "message", ev.Message)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
