package ctf

import (
	"errors"
	"fmt"

	"example.com/ctftrace/internal/tsdl"
)

var (
	ErrDuplicate          = errors.New("ctf: duplicate definition")
	ErrUndefined          = errors.New("ctf: undefined reference")
	ErrInvalidValue       = errors.New("ctf: invalid value")
	ErrConflict           = errors.New("ctf: conflicting assignment")
	ErrMissing            = errors.New("ctf: missing required field")
	ErrEnumOverlap        = errors.New("ctf: overlapping enumerator range")
	ErrEnumRange          = errors.New("ctf: enumerator value out of container range")
	ErrUnsupportedVersion = errors.New("ctf: unsupported trace version")
	ErrScopeUnderflow     = errors.New("ctf: scope stack underflow")

	ErrUnknownVariant = errors.New("ctf: unknown variant")
	ErrTypeError      = errors.New("ctf: type error")
)

// BuildError is a fatal metadata error. It names the node being built when
// the failure happened.
type BuildError struct {
	Kind tsdl.Kind
	Name string
	Line int
	Err  error
}

func (e *BuildError) Error() string {
	where := string(e.Kind)
	if e.Name != "" {
		where += " " + e.Name
	}
	if e.Line > 0 {
		where = fmt.Sprintf("line %d: %s", e.Line, where)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildErr(n *tsdl.Node, name string, err error) error {
	if err == nil {
		return nil
	}
	var be *BuildError
	if errors.As(err, &be) {
		return err
	}
	out := &BuildError{Name: name, Err: err}
	if n != nil {
		out.Kind = n.Kind
		out.Line = n.Line
	}
	return out
}

func buildErrf(n *tsdl.Node, name string, sentinel error, format string, args ...interface{}) error {
	return buildErr(n, name, fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...))
}
