package negotiator

import (
	"errors"
	"io"
	"sync"
)

// scope releases a fixed set of resources exactly once, in order.
type scope struct {
	once    sync.Once
	closers []io.Closer
	err     error
}

func newScope(closers ...io.Closer) *scope {
	return &scope{closers: closers}
}

func (s *scope) release() error {
	s.once.Do(func() {
		var errs []error
		for _, c := range s.closers {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
