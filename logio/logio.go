// Package logio implements a durable append-only record log. The log is a
// sequence of files, each a concatenation of fixed-size blocks. A record is
// framed as a 4-byte little-endian length, a 4-byte CRC32C of the payload,
// and the payload bytes. A record that would cross a block boundary but fits
// within a single block is preceded by zero padding up to the boundary;
// records larger than a block straddle blocks. On open the log is scanned
// forward; a zero length marks block padding and the scan resumes at the next
// block boundary. The first record with a failing checksum, or one cut short
// by the end of the file, ends the log; anything after it is discarded.
package logio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// headerSize is the fixed per-record header: length + CRC32C.
	headerSize = 8

	// DefaultBlockSize is the production block size. Tests use much
	// smaller blocks to exercise boundary handling.
	DefaultBlockSize = 64 * 1024

	// DefaultBlocksPerFile bounds a single log file before rollover.
	DefaultBlocksPerFile = 10000
)

var (
	// ErrInvalidPosition is returned when a position does not name a record
	// boundary still present in the log.
	ErrInvalidPosition = errors.New("position is not a record boundary")

	// ErrRecordTooLarge is returned when a record cannot fit in a single
	// log file.
	ErrRecordTooLarge = errors.New("record exceeds log file size")

	errWriterNotOpen = errors.New("log writer is not open")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// LogWriter appends framed records to a set of rolling log files and
// supports positional reads and suffix truncation. Append, TruncateAt and
// Close must be serialized by the caller owning the write path; readers may
// run concurrently with appends.
type LogWriter struct {
	dir           string
	base          string
	blockSize     int64
	blocksPerFile int64

	// Tail file state. file is nil when the writer is closed.
	file    *os.File
	fileOrd int32
	offset  int64

	// Record boundaries in order, covering every record in the log.
	bounds []LogPos

	mu sync.Mutex
}

// NewLogWriter creates a writer for the log named base under dir. The block
// size and blocks-per-file are format-level constants: they must match the
// values the log was created with.
func NewLogWriter(dir, base string, blockSize, blocksPerFile int) *LogWriter {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blocksPerFile <= 0 {
		blocksPerFile = DefaultBlocksPerFile
	}
	return &LogWriter{
		dir:           dir,
		base:          base,
		blockSize:     int64(blockSize),
		blocksPerFile: int64(blocksPerFile),
	}
}

func (w *LogWriter) fileName(ord int32) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%010d.wal", w.base, ord))
}

func (w *LogWriter) fileMaxBytes() int64 {
	return w.blockSize * w.blocksPerFile
}

// Open scans any existing log files, drops a torn tail record if the process
// halted mid-append, and prepares the log for new writes.
func (w *LogWriter) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return nil
	}

	ords, err := w.listFiles()
	if err != nil {
		return err
	}

	if len(ords) == 0 {
		return w.createFileLocked(0)
	}

	w.bounds = nil
	for i, ord := range ords {
		end, valid, err := w.scanFileLocked(ord)
		if err != nil {
			return err
		}
		if !valid {
			// Torn tail: cut the file back to the last good record and
			// drop anything that was rolled over after it.
			if err := w.removeFilesAfterLocked(ord, ords); err != nil {
				return err
			}
			if err := os.Truncate(w.fileName(ord), end); err != nil {
				return fmt.Errorf("failed to drop torn log tail: %w", err)
			}
			return w.openTailLocked(ord, end)
		}
		if i == len(ords)-1 {
			return w.openTailLocked(ord, end)
		}
	}
	return nil
}

// Close closes the tail file. The log may be reopened afterwards.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.file = nil
	w.bounds = nil
	return nil
}

// Append durably appends a record and returns its position. The record has
// been synced to disk when Append returns.
func (w *LogWriter) Append(payload []byte) (LogPos, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return NullPos, errWriterNotOpen
	}

	need := int64(headerSize + len(payload))
	if need > w.fileMaxBytes() {
		return NullPos, ErrRecordTooLarge
	}

	// Pad to the next block boundary if the header would not fit in the
	// block remainder, or if the whole record fits in one block but would
	// otherwise cross the boundary.
	blockRem := w.blockSize - w.offset%w.blockSize
	if blockRem < headerSize || (need > blockRem && need <= w.blockSize) {
		if err := w.padLocked(blockRem); err != nil {
			return NullPos, err
		}
	}

	// Roll to a fresh file if the record does not fit in this one.
	if w.offset+need > w.fileMaxBytes() {
		if err := w.rollLocked(); err != nil {
			return NullPos, err
		}
	}

	pos := LogPos{FileOrd: w.fileOrd, Offset: w.offset}

	buf := make([]byte, need)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	copy(buf[headerSize:], payload)

	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return NullPos, fmt.Errorf("failed to append record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return NullPos, fmt.Errorf("failed to sync log: %w", err)
	}

	w.offset += need
	w.bounds = append(w.bounds, pos)

	return pos, nil
}

// Tell returns the position at which the next append would land, before any
// block padding the next record may require. It is a strict upper bound on
// every record position in the log.
func (w *LogWriter) Tell() LogPos {
	w.mu.Lock()
	defer w.mu.Unlock()
	return LogPos{FileOrd: w.fileOrd, Offset: w.offset}
}

// FirstPos returns the position of the first record, or false if the log
// holds no records.
func (w *LogWriter) FirstPos() (LogPos, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.bounds) == 0 {
		return NullPos, false
	}
	return w.bounds[0], true
}

// Size returns the number of records in the log.
func (w *LogWriter) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bounds)
}

// TruncateAt atomically drops all records at and after pos. The position
// must name a record boundary still in the log.
func (w *LogWriter) TruncateAt(pos LogPos) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errWriterNotOpen
	}

	i := w.boundIndexLocked(pos)
	if i < 0 {
		return ErrInvalidPosition
	}

	// Drop files rolled over past the truncation point.
	for ord := w.fileOrd; ord > pos.FileOrd; ord-- {
		if err := os.Remove(w.fileName(ord)); err != nil {
			return fmt.Errorf("failed to remove log file: %w", err)
		}
	}

	if pos.FileOrd != w.fileOrd {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to truncate log: %w", err)
		}
		file, err := os.OpenFile(w.fileName(pos.FileOrd), os.O_RDWR, 0o666)
		if err != nil {
			return fmt.Errorf("failed to truncate log: %w", err)
		}
		w.file = file
		w.fileOrd = pos.FileOrd
	}

	if err := w.file.Truncate(pos.Offset); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to truncate log: %w", err)
	}

	w.offset = pos.Offset
	w.bounds = w.bounds[:i]

	return nil
}

// NewReader opens a reader positioned at start. A null start reads from the
// beginning of the log. ErrInvalidPosition is returned if start is neither
// null nor a record boundary still in the log.
func (w *LogWriter) NewReader(start LogPos) (*Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	index := 0
	if !start.IsNull() {
		index = w.boundIndexLocked(start)
		if index < 0 {
			return nil, ErrInvalidPosition
		}
	}
	return &Reader{w: w, index: index}, nil
}

// boundIndexLocked locates pos in the boundary index, -1 if absent.
func (w *LogWriter) boundIndexLocked(pos LogPos) int {
	i := sort.Search(len(w.bounds), func(i int) bool {
		return !w.bounds[i].Less(pos)
	})
	if i < len(w.bounds) && w.bounds[i] == pos {
		return i
	}
	return -1
}

func (w *LogWriter) padLocked(n int64) error {
	if _, err := w.file.WriteAt(make([]byte, n), w.offset); err != nil {
		return fmt.Errorf("failed to pad log block: %w", err)
	}
	w.offset += n
	return nil
}

func (w *LogWriter) rollLocked() error {
	// Pad out the remainder of the file so the scan on open walks past it.
	if rem := w.fileMaxBytes() - w.offset; rem > 0 {
		if err := w.padLocked(rem); err != nil {
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to roll log file: %w", err)
	}
	return w.createFileLocked(w.fileOrd + 1)
}

func (w *LogWriter) createFileLocked(ord int32) error {
	file, err := os.OpenFile(w.fileName(ord), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	w.file = file
	w.fileOrd = ord
	w.offset = 0
	return nil
}

func (w *LogWriter) openTailLocked(ord int32, end int64) error {
	file, err := os.OpenFile(w.fileName(ord), os.O_RDWR, 0o666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.file = file
	w.fileOrd = ord
	w.offset = end
	return nil
}

// listFiles returns the ordinals of the existing log files in order. The
// sequence must be contiguous.
func (w *LogWriter) listFiles() ([]int32, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.base+"-*.wal"))
	if err != nil {
		return nil, err
	}
	ords := make([]int32, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		digits := strings.TrimSuffix(strings.TrimPrefix(name, w.base+"-"), ".wal")
		ord, err := strconv.ParseInt(digits, 10, 32)
		if err != nil {
			continue
		}
		ords = append(ords, int32(ord))
	}
	sort.Slice(ords, func(i, j int) bool { return ords[i] < ords[j] })
	for i, ord := range ords {
		if int32(i) != ord {
			return nil, fmt.Errorf("log file sequence has a gap at ordinal %d", i)
		}
	}
	return ords, nil
}

// scanFileLocked walks the records of one file, appending their boundaries
// to the index. It returns the logical end of the file (the byte after the
// last good record) and whether the file scanned clean to its end.
func (w *LogWriter) scanFileLocked(ord int32) (int64, bool, error) {
	file, err := os.Open(w.fileName(ord))
	if err != nil {
		return 0, false, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat log file: %w", err)
	}
	size := info.Size()

	var off int64
	end := int64(0)
	header := make([]byte, headerSize)
	for off < size {
		blockRem := w.blockSize - off%w.blockSize
		if blockRem < headerSize {
			off += blockRem
			continue
		}
		if off+headerSize > size {
			return end, false, nil
		}
		if _, err := file.ReadAt(header, off); err != nil {
			return 0, false, fmt.Errorf("failed to read log header: %w", err)
		}
		length := int64(binary.LittleEndian.Uint32(header[0:4]))
		if length == 0 {
			// Padding up to the next block, or the end of the log.
			off += blockRem
			continue
		}
		if off+headerSize+length > size {
			return end, false, nil
		}
		payload := make([]byte, length)
		if _, err := file.ReadAt(payload, off+headerSize); err != nil {
			return 0, false, fmt.Errorf("failed to read log record: %w", err)
		}
		if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(header[4:8]) {
			return end, false, nil
		}
		w.bounds = append(w.bounds, LogPos{FileOrd: ord, Offset: off})
		off += headerSize + length
		end = off
	}
	return end, true, nil
}

func (w *LogWriter) removeFilesAfterLocked(ord int32, ords []int32) error {
	for _, o := range ords {
		if o > ord {
			if err := os.Remove(w.fileName(o)); err != nil {
				return fmt.Errorf("failed to remove log file: %w", err)
			}
		}
	}
	return nil
}

// readAt reads the record at the given boundary index, returning its
// position and payload.
func (w *LogWriter) readAt(index int) (LogPos, []byte, error) {
	w.mu.Lock()
	if index >= len(w.bounds) {
		w.mu.Unlock()
		return NullPos, nil, io.EOF
	}
	pos := w.bounds[index]
	tailOrd := w.fileOrd
	tail := w.file
	w.mu.Unlock()

	var file *os.File
	if pos.FileOrd == tailOrd && tail != nil {
		file = tail
	} else {
		f, err := os.Open(w.fileName(pos.FileOrd))
		if err != nil {
			return NullPos, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		file = f
	}

	header := make([]byte, headerSize)
	if _, err := file.ReadAt(header, pos.Offset); err != nil {
		return NullPos, nil, fmt.Errorf("failed to read log header: %w", err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	payload := make([]byte, length)
	if _, err := file.ReadAt(payload, pos.Offset+headerSize); err != nil {
		return NullPos, nil, fmt.Errorf("failed to read log record: %w", err)
	}
	if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(header[4:8]) {
		return NullPos, nil, fmt.Errorf("log record at %s failed checksum", pos)
	}
	return pos, payload, nil
}

// Reader iterates the records of the log in position order. It is not
// restartable; open a fresh reader to scan again. A reader remains valid
// across concurrent appends but not across truncation of the records it has
// yet to visit.
type Reader struct {
	w     *LogWriter
	index int
}

// Next returns the next record and its position. io.EOF is returned at the
// end of the log.
func (r *Reader) Next() (LogPos, []byte, error) {
	pos, payload, err := r.w.readAt(r.index)
	if err != nil {
		return NullPos, nil, err
	}
	r.index++
	return pos, payload, nil
}
