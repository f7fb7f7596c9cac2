// Error wrapper which remembers where it was created.
//
// Usage:
//
// ```
// wrapped := xerrors.Wrap(err)
// ```
//
// `wrapped` carries the file, line and function name of the wrap site.
// Chained wraps read as a stack when the message is split on " <- ".

package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

type annotated struct {
	file     string
	line     int
	funcname string
	note     string
	err      error
}

func (e *annotated) Error() string {
	if e.note == "" {
		return fmt.Sprintf(`@ %s "%s" l%d <- %s`, e.funcname, e.file, e.line, e.err.Error())
	}
	return fmt.Sprintf(`@ %s "%s" l%d (%s) <- %s`, e.funcname, e.file, e.line, e.note, e.err.Error())
}

func (e *annotated) Unwrap() error {
	return e.err
}

func New(text string) error {
	return wrap("", errors.New(text), 1)
}

func Errorf(format string, args ...any) error {
	return wrap("", fmt.Errorf(format, args...), 1)
}

func Wrap(err error) error {
	return wrap("", err, 1)
}

// WrapAsOuter annotates err with the caller `depth` frames above the caller
// of WrapAsOuter itself. Constructors of domain errors use this so that the
// recorded location is their caller, not themselves.
func WrapAsOuter(err error, depth int) error {
	return wrap("", err, depth+1)
}

func WrapWithNote(note string, err error) error {
	return wrap(note, err, 1)
}

func wrap(note string, err error, depth int) error {
	pc, file, line, ok := runtime.Caller(depth + 1)
	funcname := "(unknown func)"
	if !ok {
		file = "?"
		line = -1
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcname = fn.Name()
	}

	return &annotated{
		funcname: funcname,
		file:     file,
		line:     line,
		note:     note,
		err:      err,
	}
}
