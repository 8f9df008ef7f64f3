package storage

// Interface defines the contract for the durable set of open position ids.
//
// Implementations must be safe for concurrent use. Every mutation is a single
// read-modify-write performed under the implementation's lock and is flushed
// to durable storage before the lock is released.
type Interface interface {
	// Membership
	Contains(tickerID int64) bool
	Last() (int64, bool)
	List() []int64

	// Mutation
	Add(tickerID int64) error
	Remove(tickerID int64) error
	Toggle(tickerID int64) (added bool, err error)

	// Data persistence
	Load() error
	Save() error
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
