package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines specific failure behavior for files whose name matches a rule.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes have been written to
	// the file. -1 disables the limit.
	FailAfterBytes int64
	// PartialWrite lets the failing write persist the bytes that still fit
	// under FailAfterBytes, simulating a torn write.
	PartialWrite   bool
	FailOnSync     bool
	FailOnTruncate bool
	FailOnClose    bool
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

type faultRule struct {
	pattern string
	fault   Fault
}

// FaultyFS is a FileSystem wrapper that can inject errors.
// Rules match on a substring of the file name; the most recently added
// matching rule wins. Rules are captured when a file is opened.
type FaultyFS struct {
	FS FileSystem

	mu           sync.Mutex
	rules        []faultRule
	renameFaults []string
	written      int64
	globalLimit  int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{FS: fs, globalLimit: -1}
}

// Written returns the total bytes written through the wrapper.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// SetLimit fails every write once the total across all files would exceed
// limit bytes. -1 disables the limit.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
	f.written = 0
}

// AddRule adds a fault injection rule for files containing pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, faultRule{pattern: pattern, fault: fault})
}

// FailRename makes renames whose target contains pattern fail.
func (f *FaultyFS) FailRename(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameFaults = append(f.renameFaults, pattern)
}

// Reset removes all rules and limits.
func (f *FaultyFS) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
	f.renameFaults = nil
	f.globalLimit = -1
	f.written = 0
}

func (f *FaultyFS) match(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(name, f.rules[i].pattern) {
			return f.rules[i].fault, true
		}
	}
	return Fault{FailAfterBytes: -1}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	fault, _ := f.match(name)

	var written int64
	if flag&os.O_APPEND != 0 || flag&os.O_TRUNC == 0 {
		if fi, err := file.Stat(); err == nil {
			written = fi.Size()
		}
	}
	return &faultyFile{File: file, fs: f, fault: fault, written: written}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	for _, p := range f.renameFaults {
		if strings.Contains(newpath, p) {
			f.mu.Unlock()
			return ErrInjected
		}
	}
	f.mu.Unlock()
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	if fault, ok := f.match(name); ok && fault.FailOnTruncate {
		return fault.err()
	}
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	allowed := int64(len(p))
	var failErr error

	if ff.fault.FailAfterBytes >= 0 && ff.written+allowed > ff.fault.FailAfterBytes {
		allowed = max(ff.fault.FailAfterBytes-ff.written, 0)
		failErr = ff.fault.err()
	}

	ff.fs.mu.Lock()
	if ff.fs.globalLimit >= 0 && ff.fs.written+allowed > ff.fs.globalLimit {
		allowed = max(ff.fs.globalLimit-ff.fs.written, 0)
		if failErr == nil {
			failErr = ErrInjected
		}
	}
	ff.fs.mu.Unlock()

	if failErr != nil && !ff.fault.PartialWrite {
		return 0, failErr
	}

	n, err := ff.File.Write(p[:allowed])
	ff.written += int64(n)
	ff.fs.mu.Lock()
	ff.fs.written += int64(n)
	ff.fs.mu.Unlock()

	if err != nil {
		return n, err
	}
	return n, failErr
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Truncate(size int64) error {
	if ff.fault.FailOnTruncate {
		return ff.fault.err()
	}
	if err := ff.File.Truncate(size); err != nil {
		return err
	}
	ff.written = size
	return nil
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.err()
	}
	return ff.File.Close()
}
