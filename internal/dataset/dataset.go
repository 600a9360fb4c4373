// Package dataset reads a directory of paired training files. An entry named
// n consists of n-image.<ext> and n-mask.<ext>.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/dekun/dekun/internal/errs"
)

// ErrNotFound is returned for names the dataset does not contain.
var ErrNotFound = errors.New("entry not found")

// Sort orders the entries of a dataset.
type Sort string

const (
	SortName Sort = "name" // ascending name
	SortDate Sort = "date" // newest image first
	SortSize Sort = "size" // largest image first
)

// ParseSort validates a sort name.
func ParseSort(s string) (Sort, error) {
	switch Sort(s) {
	case SortName, SortDate, SortSize:
		return Sort(s), nil
	}
	return "", errs.Configf("unsupported sort %q (name|date|size)", s)
}

// Entry is one image/mask pair. A path is empty when its file was not found
// during discovery.
type Entry struct {
	Name      string
	ImagePath string
	MaskPath  string
}

// Exists reports whether both files are present on disk.
func (e Entry) Exists() bool {
	return fileExists(e.ImagePath) && fileExists(e.MaskPath)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Dataset is an ordered set of entries.
type Dataset struct {
	dir     string
	sort    Sort
	entries map[string]Entry
	names   []string
}

// Open discovers the entries of dir. Entries missing one of their files are
// kept; callers filter them with Entry.Exists.
func Open(dir string, order Sort) (*Dataset, error) {
	if _, err := ParseSort(string(order)); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %s", dir)
	}

	d := &Dataset{dir: dir, sort: order, entries: make(map[string]Entry)}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		path := filepath.Join(dir, f.Name())
		switch {
		case strings.Contains(stem, "-image"):
			name := strings.Replace(stem, "-image", "", 1)
			e := d.entries[name]
			e.Name, e.ImagePath = name, path
			d.entries[name] = e
		case strings.Contains(stem, "-mask"):
			name := strings.Replace(stem, "-mask", "", 1)
			e := d.entries[name]
			e.Name, e.MaskPath = name, path
			d.entries[name] = e
		}
	}
	for name := range d.entries {
		d.names = append(d.names, name)
	}
	d.order()
	return d, nil
}

func (d *Dataset) order() {
	sort.Strings(d.names)
	switch d.sort {
	case SortDate:
		sort.SliceStable(d.names, func(i, j int) bool {
			return d.imageInfo(d.names[i]).mtime > d.imageInfo(d.names[j]).mtime
		})
	case SortSize:
		sort.SliceStable(d.names, func(i, j int) bool {
			return d.imageInfo(d.names[i]).size > d.imageInfo(d.names[j]).size
		})
	}
}

type fileInfo struct {
	mtime int64
	size  int64
}

func (d *Dataset) imageInfo(name string) fileInfo {
	info, err := os.Stat(d.entries[name].ImagePath)
	if err != nil {
		return fileInfo{}
	}
	return fileInfo{mtime: info.ModTime().UnixNano(), size: info.Size()}
}

// Dir returns the dataset directory.
func (d *Dataset) Dir() string { return d.dir }

// List returns the entry names in dataset order.
func (d *Dataset) List() []string { return append([]string(nil), d.names...) }

// Size returns the number of entries.
func (d *Dataset) Size() int { return len(d.names) }

// Has reports whether name is an entry.
func (d *Dataset) Has(name string) bool {
	_, ok := d.entries[name]
	return ok
}

// Get returns the entry called name.
func (d *Dataset) Get(name string) (Entry, error) {
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return e, nil
}

// Add inserts or replaces an entry and restores the dataset order.
func (d *Dataset) Add(name, imagePath, maskPath string) {
	if !d.Has(name) {
		d.names = append(d.names, name)
	}
	d.entries[name] = Entry{Name: name, ImagePath: imagePath, MaskPath: maskPath}
	d.order()
}

// Remove drops an entry without touching its files.
func (d *Dataset) Remove(name string) error {
	if !d.Has(name) {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(d.entries, name)
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
	return nil
}
