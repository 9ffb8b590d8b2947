package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/dwrlab/goadapt/compress"
	"github.com/dwrlab/goadapt/core"
)

// magicNumber marks a spill file as a goadapt state snapshot.
const magicNumber uint32 = 0x47414353 // "GACS"

// Store holds per-timestep state snapshots for one adaptive iteration. The
// first SnapsInMemory snapshots of the budget stay in RAM; later ones spill
// to compressed files in dir. A Store belongs to exactly one iteration; Clear
// resets it before the next one.
type Store struct {
	dir    string
	budget core.CheckpointBudget
	comp   compress.Compressor
	logger *slog.Logger

	inMemory map[int]core.State
	spilled  map[int]string
}

// NewStore creates a snapshot store for one forward/reverse cycle. The
// directory must exist. A nil compressor defaults to snappy.
func NewStore(dir string, budget core.CheckpointBudget, comp compress.Compressor, logger *slog.Logger) *Store {
	if comp == nil {
		comp = compress.SnappyCompressor{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		dir:      dir,
		budget:   budget,
		comp:     comp,
		logger:   logger.With("component", "checkpoint"),
		inMemory: make(map[int]core.State),
		spilled:  make(map[int]string),
	}
}

// Save snapshots the state for a timestep. Snapshots within the in-memory
// budget are kept in RAM; the rest are written to disk with a
// write-and-rename so a partially written file is never visible.
func (s *Store) Save(timestep int, state core.State) error {
	if len(s.inMemory) < s.budget.SnapsInMemory {
		s.inMemory[timestep] = state.Clone()
		return nil
	}

	payload := encodeState(state)
	compressed, err := s.comp.Compress(payload)
	if err != nil {
		return fmt.Errorf("compressing snapshot for timestep %d: %w", timestep, err)
	}

	final := filepath.Join(s.dir, fmt.Sprintf("snap-%06d.ckpt", timestep))
	tmp := final + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, magicNumber); err != nil {
		file.Close()
		return fmt.Errorf("writing snapshot magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint8(s.comp.Type())); err != nil {
		file.Close()
		return fmt.Errorf("writing snapshot codec: %w", err)
	}
	if _, err := file.Write(compressed); err != nil {
		file.Close()
		return fmt.Errorf("writing snapshot payload: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("syncing snapshot file: %w", err)
	}
	// Close before renaming for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming snapshot file: %w", err)
	}

	s.spilled[timestep] = final
	s.logger.Debug("spilled snapshot to secondary storage", "timestep", timestep, "bytes", len(compressed))
	return nil
}

// Load retrieves the snapshot for a timestep, from memory or disk.
func (s *Store) Load(timestep int) (core.State, error) {
	if state, ok := s.inMemory[timestep]; ok {
		return state.Clone(), nil
	}
	path, ok := s.spilled[timestep]
	if !ok {
		return nil, fmt.Errorf("no snapshot recorded for timestep %d", timestep)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}
	if len(raw) < 5 {
		return nil, fmt.Errorf("snapshot file %s is truncated", path)
	}
	if magic := binary.LittleEndian.Uint32(raw[:4]); magic != magicNumber {
		return nil, fmt.Errorf("invalid snapshot magic number in %s: got %x, want %x", path, magic, magicNumber)
	}
	codec, err := compress.ForType(compress.Type(raw[4]))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}
	payload, err := codec.Decompress(raw[5:])
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot %s: %w", path, err)
	}
	return decodeState(payload)
}

// Count returns the number of snapshots held, split by tier.
func (s *Store) Count() (inMemory, onDisk int) {
	return len(s.inMemory), len(s.spilled)
}

// Clear drops all snapshots, deleting spill files. It must be called between
// adaptive iterations so no snapshot leaks into the next primal pass.
func (s *Store) Clear() error {
	s.inMemory = make(map[int]core.State)
	var firstErr error
	for ts, path := range s.spilled {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("removing snapshot for timestep %d: %w", ts, err)
		}
	}
	s.spilled = make(map[int]string)
	return firstErr
}

func encodeState(state core.State) []byte {
	buf := make([]byte, 8+8*len(state))
	binary.LittleEndian.PutUint64(buf, uint64(len(state)))
	for i, v := range state {
		binary.LittleEndian.PutUint64(buf[8+8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeState(payload []byte) (core.State, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("snapshot payload is truncated")
	}
	n := binary.LittleEndian.Uint64(payload)
	if uint64(len(payload)) != 8+8*n {
		return nil, fmt.Errorf("snapshot payload length mismatch: header says %d values, body has %d bytes", n, len(payload)-8)
	}
	state := make(core.State, n)
	for i := range state {
		state[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8+8*i:]))
	}
	return state, nil
}
