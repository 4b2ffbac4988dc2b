package engine

// ResultKind distinguishes the three shapes of a handler result.
type ResultKind int

const (
	// ResultOk indicates success.
	ResultOk ResultKind = iota

	// ResultRecoverable indicates a failure a best-effort caller may discard.
	ResultRecoverable

	// ResultFatal indicates a failure that must propagate.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultRecoverable:
		return "recoverable"
	default:
		return "fatal"
	}
}

// Result is the explicit outcome of an action: Ok, RecoverableFailure or FatalFailure.
type Result struct {
	Kind    ResultKind
	Code    string
	Message string
	Cause   error
}

// Ok returns a successful result.
func Ok() Result {
	return Result{Kind: ResultOk}
}

// Recoverable returns a failure of the given kind that best-effort callers may discard.
func Recoverable(code, message string) Result {
	return Result{Kind: ResultRecoverable, Code: code, Message: message}
}

// Fatal returns a failure that must propagate.
func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Code: CodeOf(err), Message: err.Error(), Cause: err}
}

// ResultOf classifies err. ActionFailed errors are recoverable, other errors fatal.
func ResultOf(err error) Result {
	if err == nil {
		return Ok()
	}
	if IsRecoverable(err) {
		return Result{Kind: ResultRecoverable, Code: CodeOf(err), Message: err.Error(), Cause: err}
	}
	return Fatal(err)
}

// IsOk reports whether the result is a success.
func (r Result) IsOk() bool {
	return r.Kind == ResultOk
}

// AsError converts the result back into an error; Ok yields nil.
func (r Result) AsError() error {
	switch r.Kind {
	case ResultOk:
		return nil
	case ResultRecoverable:
		if r.Cause != nil {
			return r.Cause
		}
		return (&EngineError{Class: ErrorClassRecoverable, Message: r.Message}).WithCode(r.Code)
	default:
		if r.Cause != nil {
			return r.Cause
		}
		return NewPermanentError(r.Message, nil).WithCode(r.Code)
	}
}

// TryTo runs fn as a best-effort step: recoverable failures are swallowed,
// fatal ones are returned.
func TryTo(fn func() error) error {
	r := ResultOf(fn())
	if r.Kind == ResultRecoverable {
		return nil
	}
	return r.AsError()
}
