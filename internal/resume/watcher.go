package resume

import (
	"context"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	ErrBusConnect    = errors.ErrorCode("resume_bus_connect_failed")
	ErrSubscribe     = errors.ErrorCode("resume_subscribe_failed")
	ErrBusClosed     = errors.ErrorCode("resume_bus_closed")
	ErrInhibitFailed = errors.ErrorCode("resume_inhibit_failed")

	login1Dest       = "org.freedesktop.login1"
	login1Path       = dbus.ObjectPath("/org/freedesktop/login1")
	managerInterface = "org.freedesktop.login1.Manager"
	prepareForSleep  = "PrepareForSleep"

	defaultMaxElapsed = time.Minute
)

// Watcher subscribes to logind's PrepareForSleep signal on the system bus.
// While awake it holds a delay inhibitor so that the loop gets to see
// Sleeping before the system suspends.
type Watcher struct {
	logger     logger.Logger
	events     chan Event
	who        string
	maxElapsed time.Duration
	inhibitor  int
}

func NewWatcher(who string, log logger.Logger) *Watcher {
	return &Watcher{
		logger:     log,
		events:     make(chan Event),
		who:        who,
		maxElapsed: defaultMaxElapsed,
		inhibitor:  -1,
	}
}

// Events is unbuffered: a send completes only once the loop has taken the
// event at its wait point.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run blocks until ctx is done or the bus goes away.
// Events is closed when Run returns, so the loop never waits on a watcher
// that is gone.
func (w *Watcher) Run(ctx context.Context) error {
	errFactory := errors.New()
	defer close(w.events)

	conn, err := w.connect(ctx)
	if err != nil {
		return errFactory.Wrap(ErrBusConnect, err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(login1Dest),
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		return errFactory.Wrap(ErrSubscribe, err)
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	w.inhibit(conn)
	defer w.release()

	w.logger.Info().Msg("Watching for sleep and resume")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errFactory.New(ErrBusClosed)
			}

			ev, ok := decode(sig)
			if !ok {
				continue
			}

			w.logger.Debug().Str("event", ev.String()).Msg("Sleep signal received")

			select {
			case w.events <- ev:
			case <-ctx.Done():
				return nil
			}

			if ev == Sleeping {
				w.release()
			} else {
				w.inhibit(conn)
			}
		}
	}
}

func (w *Watcher) connect(ctx context.Context) (*dbus.Conn, error) {
	var conn *dbus.Conn

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = w.maxElapsed

	err := backoff.RetryNotify(func() error {
		c, err := dbus.ConnectSystemBus()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		w.logger.Warn().Err(err).Dur("retry_in", next).Msg("System bus unavailable")
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (w *Watcher) inhibit(conn *dbus.Conn) {
	if w.inhibitor >= 0 {
		return
	}

	var fd dbus.UnixFD
	err := conn.Object(login1Dest, login1Path).
		Call(managerInterface+".Inhibit", 0, "sleep", w.who, "Restore fan and power settings", "delay").
		Store(&fd)
	if err != nil {
		w.logger.Warn().Err(errors.New().Wrap(ErrInhibitFailed, err)).Msg("Continuing without sleep inhibitor")
		return
	}

	w.inhibitor = int(fd)
}

func (w *Watcher) release() {
	if w.inhibitor < 0 {
		return
	}

	if err := unix.Close(w.inhibitor); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to release sleep inhibitor")
	}
	w.inhibitor = -1
}

func decode(sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != managerInterface+"."+prepareForSleep || len(sig.Body) != 1 {
		return 0, false
	}

	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return 0, false
	}

	if sleeping {
		return Sleeping, true
	}

	return Resumed, true
}
