package model

// Iterator streams records in creation-time order, mirroring the sql.Rows
// protocol so store cursors and codec decoders share one shape.
type Iterator interface {
	// Next advances to the next record, returning false at the end or on error.
	Next() bool
	// Record returns the current record. Only valid after a true Next.
	Record() Record
	// Err returns the first error encountered while iterating.
	Err() error
	// Close releases the underlying cursor or file handle.
	Close() error
}

type sliceIterator struct {
	records []Record
	pos     int
}

// SliceIterator wraps an in-memory record slice as an Iterator.
func SliceIterator(records []Record) Iterator {
	return &sliceIterator{records: records}
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.records) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Record() Record { return it.records[it.pos-1] }
func (it *sliceIterator) Err() error     { return nil }
func (it *sliceIterator) Close() error   { return nil }

// Collect drains an iterator into a slice and closes it.
func Collect(it Iterator) ([]Record, error) {
	defer it.Close()
	var records []Record
	for it.Next() {
		records = append(records, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
