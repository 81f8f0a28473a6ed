package tracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// maxSpillRecord bounds a single record's encoded size. A length prefix
// above this means the file is corrupt and reading stops.
const maxSpillRecord = 16 << 20

// spillFile holds step records that could not be written to the store.
// Each record is a big-endian uint32 length followed by the JSON-encoded
// StepRecord. Appends go to the end of the file; a successful drain
// truncates it.
type spillFile struct {
	mu   sync.Mutex
	path string
}

// newSpillFile creates a spill file handle at path. The file itself is
// created lazily on first append.
func newSpillFile(path string) *spillFile {
	return &spillFile{path: path}
}

// Append writes records to the end of the spill file and syncs it.
func (f *spillFile) Append(records []v1.StepRecord) error {
	if len(records) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open spill file: %w", err)
	}
	defer file.Close()

	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode spill record: %w", err)
		}
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
		if _, err := file.Write(length[:]); err != nil {
			return fmt.Errorf("failed to write spill record: %w", err)
		}
		if _, err := file.Write(payload); err != nil {
			return fmt.Errorf("failed to write spill record: %w", err)
		}
	}
	return file.Sync()
}

// ReadAll returns every intact record in the spill file. A truncated or
// corrupt tail (a crash mid-append) ends the read without error: the
// records before it are still returned.
func (f *spillFile) ReadAll() ([]v1.StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	defer file.Close()

	var records []v1.StepRecord
	for {
		var length [4]byte
		if _, err := io.ReadFull(file, length[:]); err != nil {
			// io.EOF is a clean end; anything else is a partial tail.
			break
		}
		size := binary.BigEndian.Uint32(length[:])
		if size == 0 || size > maxSpillRecord {
			break
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(file, payload); err != nil {
			break
		}
		var record v1.StepRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			break
		}
		records = append(records, record)
	}
	return records, nil
}

// Truncate discards all spilled records after a successful drain.
func (f *spillFile) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate spill file: %w", err)
	}
	return nil
}

// Empty reports whether the spill file holds no records.
func (f *spillFile) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return true
	}
	return info.Size() == 0
}
