package poller

import "fmt"

func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func wrapErr(sentinel error, op string, fd int, err error) error {
	return fmt.Errorf("%w: %s fd %d: %v", sentinel, op, fd, err)
}
