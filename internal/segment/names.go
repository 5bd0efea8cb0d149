package segment

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/caskdb/internal/fs"
	"github.com/hupe1980/caskdb/internal/model"
)

const (
	// DataExt is the extension of segment data files.
	DataExt = ".data"
	// HintExt is the extension of hint files.
	HintExt = ".hint"
	// TmpExt marks files that were never committed.
	TmpExt = ".tmp"
	// LockName is the directory lock file.
	LockName = "LOCK"

	idWidth = 9
)

// DataName returns the file name of segment id's data file.
func DataName(id model.SegmentID) string {
	return fmt.Sprintf("%0*d%s", idWidth, id, DataExt)
}

// HintName returns the file name of segment id's hint file.
func HintName(id model.SegmentID) string {
	return fmt.Sprintf("%0*d%s", idWidth, id, HintExt)
}

// DataPath joins dir and DataName(id).
func DataPath(dir string, id model.SegmentID) string {
	return filepath.Join(dir, DataName(id))
}

// HintPath joins dir and HintName(id).
func HintPath(dir string, id model.SegmentID) string {
	return filepath.Join(dir, HintName(id))
}

// Kind classifies a directory entry.
type Kind int

const (
	KindUnknown Kind = iota
	KindData
	KindHint
	KindTemp
)

// Parse classifies a file name and extracts its segment id.
func Parse(name string) (model.SegmentID, Kind) {
	if strings.HasSuffix(name, TmpExt) {
		return 0, KindTemp
	}
	var kind Kind
	switch filepath.Ext(name) {
	case DataExt:
		kind = KindData
	case HintExt:
		kind = KindHint
	default:
		return 0, KindUnknown
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, filepath.Ext(name)), 10, 64)
	if err != nil {
		return 0, KindUnknown
	}
	return model.SegmentID(n), kind
}

// Listing is the classified content of a store directory.
type Listing struct {
	// Data holds data file ids in ascending order.
	Data []model.SegmentID
	// Hints holds the ids that have a hint file.
	Hints map[model.SegmentID]struct{}
	// Temp holds the names of uncommitted temporary files.
	Temp []string
}

// HasHint reports whether id has a hint file.
func (l *Listing) HasHint(id model.SegmentID) bool {
	_, ok := l.Hints[id]
	return ok
}

// MaxID returns the largest id seen among data and hint files.
func (l *Listing) MaxID() model.SegmentID {
	var m model.SegmentID
	if n := len(l.Data); n > 0 {
		m = l.Data[n-1]
	}
	for id := range l.Hints {
		m = max(m, id)
	}
	return m
}

// List reads dir and classifies its entries. Unknown files are ignored.
func List(fsys fs.FileSystem, dir string) (*Listing, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	l := &Listing{Hints: make(map[model.SegmentID]struct{})}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, kind := Parse(e.Name())
		switch kind {
		case KindData:
			l.Data = append(l.Data, id)
		case KindHint:
			l.Hints[id] = struct{}{}
		case KindTemp:
			l.Temp = append(l.Temp, e.Name())
		}
	}
	slices.Sort(l.Data)
	return l, nil
}
