// Package elferr defines the error kinds surfaced by the vdl core.
package elferr

import "fmt"

// Kind identifies the category of failure a core operation can produce.
type Kind int

const (
	// InvalidImage means the ELF header failed magic/class/endianness checks.
	InvalidImage Kind = iota
	// UnsupportedMachine means the image targets a machine other than the host.
	UnsupportedMachine
	// MalformedDynamic means PT_DYNAMIC is missing a strtab/symtab that its
	// relocations require.
	MalformedDynamic
	// MapFailed means segment reservation or mapping failed.
	MapFailed
	// Truncated means the backing file is shorter than a segment's filesz.
	Truncated
	// SymbolNotFound means a strong symbol reference could not be resolved.
	SymbolNotFound
	// RelocationUnsupported means a relocation type has no handler for the
	// Object's machine.
	RelocationUnsupported
	// DependencyNotFound means a DT_NEEDED name could not be located, or a
	// NOLOAD lookup missed.
	DependencyNotFound
	// AlreadyClosed means an operation targeted an Object past dlclose.
	AlreadyClosed
	// TlsExhausted means the TLS module id space could not satisfy a new
	// allocation.
	TlsExhausted
	// DependencyCycle is never constructed: circular dependencies are
	// tolerated per the Link Map's BFS dedup. Named only to document why no
	// Error of this Kind is ever returned.
	DependencyCycle
)

func (k Kind) String() string {
	switch k {
	case InvalidImage:
		return "InvalidImage"
	case UnsupportedMachine:
		return "UnsupportedMachine"
	case MalformedDynamic:
		return "MalformedDynamic"
	case MapFailed:
		return "MapFailed"
	case Truncated:
		return "Truncated"
	case SymbolNotFound:
		return "SymbolNotFound"
	case RelocationUnsupported:
		return "RelocationUnsupported"
	case DependencyNotFound:
		return "DependencyNotFound"
	case AlreadyClosed:
		return "AlreadyClosed"
	case TlsExhausted:
		return "TlsExhausted"
	case DependencyCycle:
		return "DependencyCycle"
	default:
		return "Unknown"
	}
}

// Error is the structured error type returned by every core operation.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Symbol string
	Err    error

	// sentinel marks Errors constructed purely to be compared against via
	// errors.Is (see Sentinel), as opposed to a concrete error carrying a
	// path/symbol/wrapped cause.
	sentinel bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("vdl: %s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.Symbol != "" {
		msg += fmt.Sprintf(" symbol=%s", e.Symbol)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, elferr.SymbolNotFound) via the sentinel helper below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.sentinel
}

// Sentinel returns a comparable *Error of the given Kind suitable for use
// with errors.Is, e.g. errors.Is(err, elferr.Sentinel(elferr.SymbolNotFound)).
func Sentinel(k Kind) *Error {
	return &Error{Kind: k, sentinel: true}
}

// New constructs a concrete *Error for the given operation.
func New(k Kind, op string, opts ...func(*Error)) *Error {
	e := &Error{Kind: k, Op: op}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithPath attaches the Object's canonical path to an Error under
// construction.
func WithPath(path string) func(*Error) {
	return func(e *Error) { e.Path = path }
}

// WithSymbol attaches a symbol name to an Error under construction.
func WithSymbol(name string) func(*Error) {
	return func(e *Error) { e.Symbol = name }
}

// WithErr wraps an underlying cause.
func WithErr(err error) func(*Error) {
	return func(e *Error) { e.Err = err }
}
