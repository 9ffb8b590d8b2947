// Package artifact persists solution trajectories as compressed snapshot
// files with self-describing names, so separate runs of the same problem
// never overwrite each other's output.
package artifact

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dwrlab/goadapt/compress"
	"github.com/dwrlab/goadapt/core"
)

// fileMagic marks a file as a goadapt solution artifact.
const fileMagic uint32 = 0x4741534e // "GASN"

// Naming derives artifact file names from the run parameters, so a file name
// alone identifies what produced it.
type Naming struct {
	Problem  string
	Solver   string
	RunID    string
	Dim      int
	T        float64
	K        float64
	Cells    int
	Theta    float64
	Adaptive bool
}

// Prefix identifies the problem/solver pair, sanitized for file systems.
func (n Naming) Prefix() string {
	return fmt.Sprintf("%s_%s", sanitize(n.Problem), sanitize(n.Solver))
}

// Suffix encodes the discretization parameters.
func (n Naming) Suffix() string {
	s := fmt.Sprintf("%dd_T%g_k%g_cells%d_theta%g", n.Dim, n.T, n.K, n.Cells, n.Theta)
	if n.Adaptive {
		s += "_adapt"
	}
	return s
}

// FileName builds the full artifact name for one saved state.
func (n Naming) FileName(kind string, timestep int) string {
	return fmt.Sprintf("%s_%s_%06d_%s.st", n.Prefix(), sanitize(kind), timestep, n.Suffix())
}

// IterationFileName builds the artifact name for one adaptive iteration's
// output, tagged with a two-digit iteration index.
func (n Naming) IterationFileName(kind string, iteration int) string {
	return fmt.Sprintf("%s_%s%02d_%s.st", n.Prefix(), sanitize(kind), iteration, n.Suffix())
}

func sanitize(s string) string {
	if s == "" {
		return "unnamed"
	}
	r := strings.NewReplacer(" ", "-", "/", "-", string(filepath.Separator), "-")
	return r.Replace(strings.ToLower(s))
}

// Writer saves states under a folder, honoring the configured save frequency.
// It implements the orchestrator's sink contract.
type Writer struct {
	dir       string
	naming    Naming
	frequency int
	comp      compress.Compressor
	logger    *slog.Logger

	saved int
}

// Options configures a Writer.
type Options struct {
	// Folder is the artifact root. A per-run subdirectory is created from the
	// naming's RunID.
	Folder string
	Naming Naming
	// Frequency saves every n-th time step; values below 1 default to 1.
	Frequency  int
	Compressor compress.Compressor
	Logger     *slog.Logger
}

// NewWriter creates the per-run artifact directory and a writer into it.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Frequency < 1 {
		opts.Frequency = 1
	}
	if opts.Compressor == nil {
		opts.Compressor = compress.SnappyCompressor{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := opts.Folder
	if opts.Naming.RunID != "" {
		dir = filepath.Join(dir, opts.Naming.RunID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory %s: %w", dir, err)
	}
	return &Writer{
		dir:       dir,
		naming:    opts.Naming,
		frequency: opts.Frequency,
		comp:      opts.Compressor,
		logger:    logger.With("component", "artifact"),
	}, nil
}

// Dir returns the per-run artifact directory.
func (w *Writer) Dir() string { return w.dir }

// Saved returns the number of artifacts written so far.
func (w *Writer) Saved() int { return w.saved }

// SaveState persists one state snapshot if the timestep falls on the save
// frequency. Timestep 0 (initial conditions) is always saved.
func (w *Writer) SaveState(kind string, timestep int, t float64, state core.State) error {
	if timestep%w.frequency != 0 {
		return nil
	}
	name := w.naming.FileName(kind, timestep)
	if err := w.write(name, encode(t, state)); err != nil {
		return err
	}
	w.logger.Debug("saved state artifact", "kind", kind, "timestep", timestep, "t", t)
	return nil
}

// SaveIndicators persists one adaptive iteration's error-indicator field.
// The save frequency does not apply; every iteration is kept.
func (w *Writer) SaveIndicators(iteration int, field []float64) error {
	name := w.naming.IterationFileName("ei", iteration)
	if err := w.write(name, encode(float64(iteration), core.State(field))); err != nil {
		return err
	}
	w.logger.Debug("saved indicator artifact", "iteration", iteration, "cells", len(field))
	return nil
}

// VertexLister is implemented by meshes that can export their vertex
// coordinates. Meshes without geometry are snapshotted by cell count alone.
type VertexLister interface {
	Vertices() []float64
}

// SaveMesh persists a snapshot of the mesh an adaptive iteration solved on.
func (w *Writer) SaveMesh(iteration int, mesh core.Mesh) error {
	var verts []float64
	if g, ok := mesh.(VertexLister); ok {
		verts = g.Vertices()
	}
	name := w.naming.IterationFileName("mesh", iteration)
	if err := w.write(name, encodeMesh(mesh.Dim(), mesh.CellCount(), verts)); err != nil {
		return err
	}
	w.logger.Debug("saved mesh artifact", "iteration", iteration, "cells", mesh.CellCount())
	return nil
}

// write compresses the payload and lands it under the run directory with a
// temp-file rename, so a crash never leaves a partial artifact behind.
func (w *Writer) write(name string, payload []byte) error {
	compressed, err := w.comp.Compress(payload)
	if err != nil {
		return fmt.Errorf("compressing artifact %s: %w", name, err)
	}

	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp artifact file: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, fileMagic); err != nil {
		file.Close()
		return fmt.Errorf("writing artifact magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint8(w.comp.Type())); err != nil {
		file.Close()
		return fmt.Errorf("writing artifact codec: %w", err)
	}
	if _, err := file.Write(compressed); err != nil {
		file.Close()
		return fmt.Errorf("writing artifact payload: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("syncing artifact file: %w", err)
	}
	// Close before renaming for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp artifact file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming artifact file: %w", err)
	}

	w.saved++
	return nil
}

// Read loads a previously written artifact file.
func Read(path string) (t float64, state core.State, err error) {
	payload, err := readPayload(path)
	if err != nil {
		return 0, nil, err
	}
	return decode(payload)
}

func readPayload(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact file: %w", err)
	}
	if len(raw) < 5 {
		return nil, fmt.Errorf("artifact file %s is truncated", path)
	}
	if magic := binary.LittleEndian.Uint32(raw[:4]); magic != fileMagic {
		return nil, fmt.Errorf("invalid artifact magic number in %s: got %x, want %x", path, magic, fileMagic)
	}
	codec, err := compress.ForType(compress.Type(raw[4]))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	payload, err := codec.Decompress(raw[5:])
	if err != nil {
		return nil, fmt.Errorf("decompressing artifact %s: %w", path, err)
	}
	return payload, nil
}

// ReadMesh loads a previously written mesh snapshot.
func ReadMesh(path string) (dim, cells int, vertices []float64, err error) {
	payload, err := readPayload(path)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(payload) < 24 {
		return 0, 0, nil, fmt.Errorf("mesh artifact payload is truncated")
	}
	dim = int(binary.LittleEndian.Uint64(payload))
	cells = int(binary.LittleEndian.Uint64(payload[8:]))
	n := binary.LittleEndian.Uint64(payload[16:])
	if uint64(len(payload)) != 24+8*n {
		return 0, 0, nil, fmt.Errorf("mesh artifact payload length mismatch: header says %d vertices, body has %d bytes", n, len(payload)-24)
	}
	vertices = make([]float64, n)
	for i := range vertices {
		vertices[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[24+8*i:]))
	}
	return dim, cells, vertices, nil
}

func encode(t float64, state core.State) []byte {
	buf := make([]byte, 16+8*len(state))
	binary.LittleEndian.PutUint64(buf, math.Float64bits(t))
	binary.LittleEndian.PutUint64(buf[8:], uint64(len(state)))
	for i, v := range state {
		binary.LittleEndian.PutUint64(buf[16+8*i:], math.Float64bits(v))
	}
	return buf
}

func encodeMesh(dim, cells int, vertices []float64) []byte {
	buf := make([]byte, 24+8*len(vertices))
	binary.LittleEndian.PutUint64(buf, uint64(dim))
	binary.LittleEndian.PutUint64(buf[8:], uint64(cells))
	binary.LittleEndian.PutUint64(buf[16:], uint64(len(vertices)))
	for i, v := range vertices {
		binary.LittleEndian.PutUint64(buf[24+8*i:], math.Float64bits(v))
	}
	return buf
}

func decode(payload []byte) (float64, core.State, error) {
	if len(payload) < 16 {
		return 0, nil, fmt.Errorf("artifact payload is truncated")
	}
	t := math.Float64frombits(binary.LittleEndian.Uint64(payload))
	n := binary.LittleEndian.Uint64(payload[8:])
	if uint64(len(payload)) != 16+8*n {
		return 0, nil, fmt.Errorf("artifact payload length mismatch: header says %d values, body has %d bytes", n, len(payload)-16)
	}
	state := make(core.State, n)
	for i := range state {
		state[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[16+8*i:]))
	}
	return t, state, nil
}
