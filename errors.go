package entitydb

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey means a token has no id mapping: it was deleted, never
	// created, or is simply wrong.
	ErrInvalidKey = errors.New("invalid key")

	// ErrCanceled wraps context cancellation and deadline errors.
	ErrCanceled = errors.New("operation canceled")

	// ErrDuplicateToken is returned when a token that already has an id is
	// registered again.
	ErrDuplicateToken = errors.New("token already exists")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op    string
	Table string
	Key   []byte
	Err   error
}

func storageErr(op, table string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Table: table, Key: key, Err: err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	var buf strings.Builder
	buf.WriteString("storage: ")
	buf.WriteString(e.Op)
	if e.Table != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Table)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

type InvalidKeyError struct {
	Category string
	Token    string
}

func (e *InvalidKeyError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("invalid key: token %q has no id mapping", e.Token)
	}
	return fmt.Sprintf("invalid %s key: token %q has no id mapping", e.Category, e.Token)
}

func (e *InvalidKeyError) Unwrap() error {
	return ErrInvalidKey
}

func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

// checkCtx returns a non-nil error once ctx is done. The result matches both
// ErrCanceled and the context's own error.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return nil
}
