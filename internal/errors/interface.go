package errors

// ErrorCode names a failure class. The control loop branches on codes,
// e.g. configuration_error aborts startup while device_io_error is retried
// on the next tick. Packages declare their own codes next to their code.
type ErrorCode string

// Coder is anything that carries an ErrorCode. HasCode matches on it, so a
// package can define a lightweight error type without the full Error
// surface.
type Coder interface {
	Code() ErrorCode
}

// Error is a coded error. WithMessage and WithData return copies, leaving
// the receiver untouched, so a shared sentinel can be decorated safely.
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Wrap keeps the cause reachable through
// errors.Is and errors.As, which is how unlock_required is told apart from
// a plain write failure under rollback_failed.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
