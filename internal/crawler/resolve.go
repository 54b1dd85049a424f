package crawler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AssetDir is the directory holding one sub-folder per crawler.
const AssetDir = "Crawler"

var ErrScriptNotFound = errors.New("crawler script not found")

// NotFoundError reports both probed locations of an unresolved job.
type NotFoundError struct {
	Job      Job
	Primary  string
	Fallback string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s (also tried %s)", ErrScriptNotFound, e.Primary, e.Fallback)
}

func (e *NotFoundError) Unwrap() error { return ErrScriptNotFound }

// Resolver maps jobs to entry points under BaseDir.
type Resolver struct {
	BaseDir string

	// Stat is used to probe candidates; nil means os.Stat.
	Stat func(name string) (fs.FileInfo, error)
}

func NewResolver(baseDir string) Resolver {
	return Resolver{BaseDir: baseDir}
}

// DefaultBaseDir returns the directory of the running executable.
func DefaultBaseDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	if real, err := filepath.EvalSymlinks(exe); err == nil {
		exe = real
	}
	return filepath.Dir(exe), nil
}

// Candidates returns the source-tree and deployed locations for job, in probe order.
func (r Resolver) Candidates(job Job) (primary, fallback string) {
	base := r.base()
	primary = filepath.Join(base, "..", "..", "..", AssetDir, job.Name, job.Script)
	fallback = filepath.Join(base, AssetDir, job.Name, job.Script)
	return primary, fallback
}

// Resolve probes the source layout, then the deployed layout.
// The returned error wraps ErrScriptNotFound and is a *NotFoundError.
func (r Resolver) Resolve(job Job) (Resolved, error) {
	if strings.TrimSpace(job.Name) == "" || strings.TrimSpace(job.Script) == "" {
		return Resolved{}, fmt.Errorf("invalid job %q: name and script required", job.String())
	}
	primary, fallback := r.Candidates(job)
	for i, p := range []string{primary, fallback} {
		if r.isFile(p) {
			return Resolved{
				Job:     job,
				Script:  p,
				WorkDir: filepath.Dir(p),
				Layout:  Layout(i),
			}, nil
		}
	}
	return Resolved{}, &NotFoundError{Job: job, Primary: primary, Fallback: fallback}
}

func (r Resolver) base() string {
	base := r.BaseDir
	if base == "" {
		base = "."
	}
	if abs, err := filepath.Abs(base); err == nil {
		return abs
	}
	return filepath.Clean(base)
}

func (r Resolver) isFile(path string) bool {
	stat := r.Stat
	if stat == nil {
		stat = os.Stat
	}
	fi, err := stat(path)
	return err == nil && fi.Mode().IsRegular()
}
