package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FormatVersion is the persisted state file version.
const FormatVersion = 1

var (
	ErrModeMismatch       = errors.New("state file belongs to another mode")
	ErrStale              = errors.New("state file is too old")
	ErrUnsupportedVersion = errors.New("unsupported state file version")
	ErrMalformed          = errors.New("malformed state file")
)

// State is the on-disk form of the ledger plus the open-position snapshot.
// Records are kept opaque here; their owner encodes and decodes them.
type State struct {
	Mode        string
	Timestamp   time.Time
	Allocations map[Key][]Allocation
	Records     map[Key]json.RawMessage
}

// EmptyState returns a State with initialized maps.
func EmptyState(mode string) State {
	return State{
		Mode:        mode,
		Allocations: make(map[Key][]Allocation),
		Records:     make(map[Key]json.RawMessage),
	}
}

type stateFile struct {
	Version             int                        `json:"version"`
	Mode                string                     `json:"mode"`
	Timestamp           float64                    `json:"timestamp"`
	EntryAllocations    map[string][]Allocation    `json:"entry_allocations"`
	OpenPositionRecords map[string]json.RawMessage `json:"open_position_records"`
}

// SaveFile writes st to path atomically: the data goes to a temporary file in the
// same directory which is then renamed over path. All allocations are written;
// records only for keys that still have an active allocation.
func SaveFile(path string, st State) error {
	file := stateFile{
		Version:             FormatVersion,
		Mode:                st.Mode,
		Timestamp:           float64(st.Timestamp.UnixMilli()) / 1000,
		EntryAllocations:    make(map[string][]Allocation, len(st.Allocations)),
		OpenPositionRecords: make(map[string]json.RawMessage, len(st.Records)),
	}
	active := make(map[Key]bool, len(st.Allocations))
	for k, list := range st.Allocations {
		file.EntryAllocations[k.String()] = list
		for _, a := range list {
			if a.Status.IsActive() {
				active[k] = true
			}
		}
	}
	for k, raw := range st.Records {
		if active[k] {
			file.OpenPositionRecords[k.String()] = raw
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LoadFile reads a state file written by SaveFile. Whenever the file cannot be used
// (missing, malformed, other version, other mode, older than maxAge) it returns an
// empty State together with the reason; callers treat any error as nothing to load.
// Individual malformed keys or allocation lists are skipped.
func LoadFile(path, mode string, now time.Time, maxAge time.Duration) (State, error) {
	empty := EmptyState(mode)
	data, err := os.ReadFile(path)
	if err != nil {
		return empty, fmt.Errorf("failed to read state file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return empty, ErrMalformed
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return empty, ErrMalformed
	}
	if v := doc.Get("version").Int(); v != FormatVersion {
		return empty, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if stored := doc.Get("mode").String(); !strings.EqualFold(stored, mode) {
		return empty, fmt.Errorf("%w: stored %q, current %q", ErrModeMismatch, stored, mode)
	}
	ts := doc.Get("timestamp").Float()
	saved := time.UnixMilli(int64(ts * 1000))
	if maxAge > 0 && now.Sub(saved) > maxAge {
		return empty, fmt.Errorf("%w: saved %s", ErrStale, saved.Format(time.RFC3339))
	}

	st := EmptyState(mode)
	st.Timestamp = saved
	doc.Get("entry_allocations").ForEach(func(k, v gjson.Result) bool {
		key, err := ParseKey(k.String())
		if err != nil {
			return true
		}
		var list []Allocation
		if err := json.Unmarshal([]byte(v.Raw), &list); err != nil {
			return true
		}
		kept := list[:0]
		for _, a := range list {
			if a.TradeID == "" {
				continue
			}
			a.Symbol, a.Side = key.Symbol, key.Side
			kept = append(kept, a)
		}
		if len(kept) > 0 {
			st.Allocations[key] = kept
		}
		return true
	})
	doc.Get("open_position_records").ForEach(func(k, v gjson.Result) bool {
		key, err := ParseKey(k.String())
		if err != nil || !v.IsObject() {
			return true
		}
		st.Records[key] = json.RawMessage(v.Raw)
		return true
	})
	return st, nil
}
