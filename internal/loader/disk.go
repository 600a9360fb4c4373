package loader

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

// buildDisk writes the samples chunk by chunk. Each chunk is released before
// the next one is built.
func (l *Loader) buildDisk(parent string, progress func(LoadProgress)) error {
	dir, err := os.MkdirTemp(parent, "dekun-cache-")
	if err != nil {
		return errors.Wrap(err, "failed to create disk cache")
	}
	l.dir = dir

	total := len(l.entries)
	for start := 0; start < total; start += l.chunkSize {
		end := min(start+l.chunkSize, total)
		chunk := make([]Sample, 0, end-start)
		for i := start; i < end; i++ {
			s, err := l.build(i)
			if err != nil {
				return err
			}
			chunk = append(chunk, s)
			progress(LoadProgress{Loaded: i + 1, Total: total})
		}

		handle := ChunkHandle{
			Index: len(l.chunks),
			Path:  filepath.Join(dir, fmt.Sprintf("chunk-%d.gob", len(l.chunks)+1)),
			Count: len(chunk),
		}
		if handle.Bytes, err = writeChunk(handle.Path, chunk); err != nil {
			return err
		}
		l.chunks = append(l.chunks, handle)
		l.logger.Debug("wrote cache chunk", "chunk", handle.Index, "samples", handle.Count, "bytes", handle.Bytes)

		runtime.GC()
	}
	return nil
}

func writeChunk(path string, chunk []Sample) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create chunk")
	}
	if err := gob.NewEncoder(file).Encode(chunk); err != nil {
		file.Close()
		return 0, errors.Wrapf(err, "failed to encode %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, errors.Wrap(err, "failed to stat chunk")
	}
	return info.Size(), errors.Wrap(file.Close(), "failed to close chunk")
}

func readChunk(h ChunkHandle) ([]Sample, error) {
	file, err := os.Open(h.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", h)
	}
	defer file.Close()
	var chunk []Sample
	if err := gob.NewDecoder(file).Decode(&chunk); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", h)
	}
	if len(chunk) != h.Count {
		return nil, errors.Errorf("%s decoded %d samples", h, len(chunk))
	}
	return chunk, nil
}

func (l *Loader) loopDisk(visit func(index int, s Sample) error) error {
	index := 0
	for _, h := range l.chunks {
		chunk, err := readChunk(h)
		if err != nil {
			return err
		}
		for _, s := range chunk {
			if err := visit(index, s); err != nil {
				return err
			}
			index++
		}
		runtime.GC()
	}
	return nil
}
