package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/klauspost/compress/zstd"
	"pkt.systems/pslog"
	"pkt.systems/screenstream/schema"
)

const (
	recordSuffix = ".json"
	rawSuffix    = ".raw.zst"
)

// Record captures a finished session for later inspection and replay.
type Record struct {
	Result   schema.SessionResult `json:"result"`
	Prompt   string               `json:"prompt,omitempty"`
	Endpoint string               `json:"endpoint,omitempty"`
	RawBytes int                  `json:"raw_bytes"`
}

// Store persists session records to disk. The raw transcript is kept next to
// the record as a zstd frame.
type Store struct {
	dir string
	log pslog.Logger
}

var (
	rawEncoder *zstd.Encoder
	rawDecoder *zstd.Decoder
)

func init() {
	var err error
	rawEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persist: zstd encoder initialization failed: " + err.Error())
	}
	rawDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persist: zstd decoder initialization failed: " + err.Error())
	}
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the record and its compressed raw transcript.
func (s *Store) Save(result schema.SessionResult, prompt, endpoint string) (Record, error) {
	if result.ID == "" {
		return Record{}, fmt.Errorf("%w: session id is required", schema.ErrInvalidRequest)
	}
	record := Record{Result: result, Prompt: prompt, Endpoint: endpoint, RawBytes: len(result.Raw)}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.warn("session save failed", result.ID, err)
		return Record{}, err
	}
	base := s.basePath(result.ID)
	if err := writeAtomic(base+rawSuffix, rawEncoder.EncodeAll([]byte(result.Raw), nil)); err != nil {
		s.warn("session save failed", result.ID, err)
		return Record{}, err
	}
	if err := writeAtomic(base+recordSuffix, data); err != nil {
		s.warn("session save failed", result.ID, err)
		return Record{}, err
	}
	if s.log != nil {
		s.log.Debug("session save ok", "session", result.ID, "screens", len(result.Screens), "raw_bytes", record.RawBytes)
	}
	return record, nil
}

// Load reads a session record and restores its raw transcript.
func (s *Store) Load(id schema.SessionID) (Record, bool, error) {
	base := s.basePath(id)
	data, err := os.ReadFile(base + recordSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("session load miss", "session", id)
			}
			return Record{}, false, nil
		}
		s.warn("session load failed", id, err)
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		s.warn("session load failed", id, err)
		return Record{}, false, err
	}
	compressed, err := os.ReadFile(base + rawSuffix)
	if err != nil {
		s.warn("session load failed", id, err)
		return Record{}, false, err
	}
	raw, err := rawDecoder.DecodeAll(compressed, make([]byte, 0, record.RawBytes))
	if err != nil {
		err = fmt.Errorf("zstd decompress: %w", err)
		s.warn("session load failed", id, err)
		return Record{}, false, err
	}
	if len(raw) != record.RawBytes {
		err = fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(raw), record.RawBytes)
		s.warn("session load failed", id, err)
		return Record{}, false, err
	}
	record.Result.Raw = string(raw)
	if s.log != nil {
		s.log.Debug("session load ok", "session", id, "screens", len(record.Result.Screens))
	}
	return record, true, nil
}

// List returns stored records without raw transcripts, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			if s.log != nil {
				s.log.Warn("session record skipped", "file", name, "err", err)
			}
			continue
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Result.StartedAt.After(records[j].Result.StartedAt)
	})
	return records, nil
}

func (s *Store) warn(msg string, id schema.SessionID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "session", id, "err", err)
	}
}

func (s *Store) basePath(id schema.SessionID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "session-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
