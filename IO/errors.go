package IO

import (
	"errors"
	"fmt"
)

// DataError reports a missing shard or a record that cannot become a Sample.
// Record is -1 when the problem is with the file itself.
type DataError struct {
	Path   string
	Record int
	Reason string
}

func (e *DataError) Error() string {
	if e.Record < 0 {
		return fmt.Sprintf("data: %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("data: %s record %d: %s", e.Path, e.Record, e.Reason)
}

func fileError(path, format string, args ...any) *DataError {
	return &DataError{Path: path, Record: -1, Reason: fmt.Sprintf(format, args...)}
}

// asDataError gives a reader failure the DataError type, keeping one that
// already has it.
func asDataError(path string, record int, err error) error {
	var de *DataError
	if errors.As(err, &de) {
		return err
	}
	return &DataError{Path: path, Record: record, Reason: err.Error()}
}
