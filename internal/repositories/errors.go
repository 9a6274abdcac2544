package repositories

import "errors"

// ErrNotFound is returned when the requested record does not exist. Callers
// check it with errors.Is to distinguish missing records from database
// failures:
//
//	job, err := repo.Get(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint.
var ErrConflict = errors.New("record already exists")
