package logio

import "fmt"

// LogPos identifies the start of a record in the log. Positions are totally
// ordered: first by file ordinal, then by byte offset within the file.
type LogPos struct {
	// The ordinal of the log file containing the record.
	FileOrd int32

	// The byte offset of the record header within the file.
	Offset int64
}

// NullPos is the distinguished empty-log position. It orders before
// every real position.
var NullPos = LogPos{FileOrd: -1, Offset: 0}

// IsNull returns true if this is the empty-log sentinel.
func (p LogPos) IsNull() bool {
	return p.FileOrd < 0
}

// Less returns true if p orders strictly before other.
func (p LogPos) Less(other LogPos) bool {
	if p.FileOrd != other.FileOrd {
		return p.FileOrd < other.FileOrd
	}
	return p.Offset < other.Offset
}

// Compare returns -1, 0, or 1 as p orders before, equal to, or after other.
func (p LogPos) Compare(other LogPos) int {
	if p.Less(other) {
		return -1
	}
	if other.Less(p) {
		return 1
	}
	return 0
}

// String formats the position for diagnostics.
func (p LogPos) String() string {
	if p.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d@%d", p.FileOrd, p.Offset)
}
