// Package ledger remembers the original value of every hardware attribute
// the daemon writes, so that it can be put back on exit.
package ledger

import (
	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/logger"
)

// Record is the state of one attribute.
type Record struct {
	Attribute gpu.Attribute
	Original  string
	Current   string
	// Applied is false until a write through the ledger succeeded.
	Applied bool
}

// Ledger is owned by the control loop and is not safe for concurrent use.
type Ledger struct {
	records map[string]*Record
	order   []string
	logger  logger.Logger
}

func New(log logger.Logger) *Ledger {
	return &Ledger{
		records: make(map[string]*Record),
		logger:  log,
	}
}

// Snapshot reads the hardware value of attr and stores it as the original,
// unless a record already exists.
func (l *Ledger) Snapshot(attr gpu.Attribute) (*Record, error) {
	if rec, ok := l.records[attr.Name()]; ok {
		return rec, nil
	}

	value, err := attr.Read()
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrDeviceIO, err).WithMessage("snapshot " + attr.Name())
	}

	rec := &Record{Attribute: attr, Original: value, Current: value}
	l.records[attr.Name()] = rec
	l.order = append(l.order, attr.Name())

	l.logger.Debug().Str("attribute", attr.Name()).Str("original", value).Msg("Captured original value")

	return rec, nil
}

// Apply writes value to attr, snapshotting first if needed. On failure the
// record's current value is left as it was.
func (l *Ledger) Apply(attr gpu.Attribute, value string) error {
	rec, err := l.Snapshot(attr)
	if err != nil {
		return err
	}

	if err := attr.Write(value); err != nil {
		return errors.New().Wrap(errors.ErrDeviceIO, err).WithMessage("write " + attr.Name())
	}

	rec.Current = value
	rec.Applied = true

	return nil
}

// Current returns the last value applied to attr through the ledger.
func (l *Ledger) Current(attr gpu.Attribute) (string, bool) {
	rec, ok := l.records[attr.Name()]
	if !ok || !rec.Applied {
		return "", false
	}

	return rec.Current, true
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	return len(l.order)
}

// Records returns the records in the order they were created.
func (l *Ledger) Records() []Record {
	out := make([]Record, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, *l.records[name])
	}

	return out
}

// Reapply rewrites the current value of every applied record in creation
// order. Originals are left untouched. Failures are collected.
func (l *Ledger) Reapply() error {
	var errs []error

	for _, name := range l.order {
		rec := l.records[name]
		if !rec.Applied {
			continue
		}

		if err := rec.Attribute.Write(rec.Current); err != nil {
			l.logger.Warn().Err(err).Str("attribute", name).Msg("Failed to reapply setting")
			errs = append(errs, errors.New().Wrap(errors.ErrDeviceIO, err).WithMessage("reapply "+name))
		}
	}

	return errors.Join(errs...)
}

// RollbackAll writes every original value back, newest record first, and
// keeps going past failures. Records that were never written are left
// alone. The returned error aggregates every attribute that could not be
// restored.
func (l *Ledger) RollbackAll() error {
	errFactory := errors.New()
	var errs []error

	for i := len(l.order) - 1; i >= 0; i-- {
		name := l.order[i]
		rec := l.records[name]
		if !rec.Applied {
			continue
		}

		if err := rec.Attribute.Write(rec.Original); err != nil {
			l.logger.Error().Err(err).Str("attribute", name).Str("original", rec.Original).Msg("Failed to restore setting")
			errs = append(errs, errFactory.Wrap(errors.ErrRollback, err).WithMessage("restore "+name))
			continue
		}

		rec.Current = rec.Original
		l.logger.Debug().Str("attribute", name).Str("value", rec.Original).Msg("Restored setting")
	}

	if len(errs) > 0 {
		return errFactory.Wrap(errors.ErrRollback, errors.Join(errs...))
	}

	return nil
}
