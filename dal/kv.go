// Package dal implements the data-access layer the consensus core is
// specified against: a confirmed-chain store plus composable forked
// overlay views used by fork-tree cores.
package dal

// Batch is an atomic write buffer: all operations apply together via
// Write(), or are discarded together on error.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// KV is the generic key-value store every DAL implementation is built on.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator walks key-value pairs matching a prefix in key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}
