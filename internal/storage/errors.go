package storage

import "errors"

var (
	// ErrUnsupportedVersion is returned when the store file was written by a newer format
	ErrUnsupportedVersion = errors.New("unsupported position store version")
	// ErrInvalidTickerID is returned for ids that cannot name a contract
	ErrInvalidTickerID = errors.New("ticker id must be > 0")
)
