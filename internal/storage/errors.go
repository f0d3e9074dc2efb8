package storage

import "errors"

var (
	// ErrAccountNotFound is returned when an account id is not in the snapshot.
	ErrAccountNotFound = errors.New("account not found")

	// ErrSnapshotVersion is returned when the snapshot file carries an
	// unsupported version number.
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
)
