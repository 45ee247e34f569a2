package store

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrDuplicateID               = errors.New("duplicate id")
	ErrFeedNotFound              = errors.New("feed not found")
	ErrEntryNotFound             = errors.New("entry not found")
	ErrTrainingCorpusUnavailable = errors.New("training corpus unavailable")

	// ErrSchemaVersion is returned when the database was written by an
	// incompatible version of the classifier.
	ErrSchemaVersion = errors.New("database user version does not match classifier version")
)
