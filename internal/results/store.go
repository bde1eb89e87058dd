package results

import (
	"time"
)

// Entry is one successful extraction outcome. Only successfully extracted
// files ever appear in the store; rejected or failed files are reported as
// transient errors by the orchestrator and never inserted.
type Entry struct {
	Filename  string
	Text      string
	Image     []byte // normalized preview, JPEG
	Width     int
	Height    int
	Mode      string
	CreatedAt time.Time
}

// Store is the result set: a filename-keyed collection whose iteration order
// follows upload order. The set is replaced wholesale at the start of each
// batch run and by Clear; within a run, re-processing a filename overwrites
// the earlier entry in place (last write wins, original position kept).
type Store interface {
	Put(e *Entry) error
	Get(filename string) (*Entry, error)
	List() ([]*Entry, error)
	Count() (int, error)
	Clear() error
	Close() error
}

type notFoundError struct{ filename string }

func (e *notFoundError) Error() string { return "no result for " + e.filename }

// IsNotFound reports whether err marks a missing entry.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
