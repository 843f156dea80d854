package pagesync

import "errors"

var (
	ErrNotLoaded   = errors.New("project not loaded")
	ErrUnknownPage = errors.New("unknown page")
	ErrPageExists  = errors.New("page already exists")
	ErrTombstoned  = errors.New("page was deleted")
	ErrLastPage    = errors.New("cannot remove the last page")
	ErrEmptyName   = errors.New("page name is required")
)

// SurfaceError reports a failure of the editing surface while applying a change.
type SurfaceError struct {
	Op     string
	PageID string
	Err    error
}

func (e *SurfaceError) Error() string {
	return "surface " + e.Op + " " + e.PageID + ": " + e.Err.Error()
}

func (e *SurfaceError) Unwrap() error {
	return e.Err
}
