package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"cubestream.ai/internal/sim/loader"
)

const (
	Version = 1
	ext     = ".snap.zst"
)

type Header struct {
	Version  int    `json:"version"`
	LoaderID string `json:"loader_id"`
	Tick     uint64 `json:"tick"`
}

// SnapshotV1 holds the durable tickets of a loader as of the end of
// Header.Tick. Levels are not stored; a restore recomputes them.
type SnapshotV1 struct {
	Header Header `json:"header"`

	MaxLevel int               `json:"max_level"`
	Tickets  []loader.TicketOp `json:"tickets"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// List returns the snapshot files in dir ordered by tick, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		tick uint64
		path string
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, item{tick: tick, path: filepath.Join(dir, name)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tick < items[j].tick })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) string {
	files, err := List(dir)
	if err != nil || len(files) == 0 {
		return ""
	}
	return files[len(files)-1]
}

// Writer implements loader.SnapshotSink: one file per snapshot tick under dir,
// pruned to the newest keep files.
type Writer struct {
	dir  string
	keep int

	mu   sync.Mutex
	last string
}

func NewWriter(dir string, keep int) *Writer {
	if keep < 1 {
		keep = 1
	}
	return &Writer{dir: dir, keep: keep}
}

func (w *Writer) WriteSnapshot(loaderID string, tick uint64, maxLevel int, ops []loader.TicketOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, fmt.Sprintf("%020d%s", tick, ext))
	snap := SnapshotV1{
		Header:   Header{Version: Version, LoaderID: loaderID, Tick: tick},
		MaxLevel: maxLevel,
		Tickets:  ops,
	}
	if err := WriteSnapshot(path, snap); err != nil {
		return err
	}
	w.last = path
	return w.prune()
}

// Last is the path of the most recent snapshot this writer produced.
func (w *Writer) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Writer) prune() error {
	files, err := List(w.dir)
	if err != nil {
		return err
	}
	for len(files) > w.keep {
		if err := os.Remove(files[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		files = files[1:]
	}
	return nil
}
