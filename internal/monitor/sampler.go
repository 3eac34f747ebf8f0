// Package monitor implements the per-watch-group sampling loop: collect a
// snapshot, persist it, diff it against the previous cycle, evaluate rules,
// and persist the resulting events. One Monitor owns one watch group; groups
// never share mutable state.
package monitor

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eventwatcher/eventwatcher/internal/config"
	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// hashChunkSize is the read size used for streamed hashing and pattern
// search, bounding memory regardless of file size.
const hashChunkSize = 64 * 1024

// minScanBudget is the floor for the directory aggregation time budget.
const minScanBudget = time.Second

// Sampler walks a watch group's items and produces point-in-time Samples.
// A missing or unreadable entry is logged and skipped; collection itself
// never fails.
type Sampler struct {
	group  config.WatchGroup
	logger *slog.Logger
	budget time.Duration
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithScanBudget overrides the derived directory aggregation budget.
func WithScanBudget(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.budget = d }
}

// NewSampler builds a Sampler for group. The directory aggregation budget is
// a quarter of the sampling interval: a single unresponsive mount may burn
// that much of the cycle but can never starve the schedule.
func NewSampler(group config.WatchGroup, logger *slog.Logger, opts ...SamplerOption) *Sampler {
	budget := time.Duration(group.SampleRateSeconds) * time.Second / 4
	if budget < minScanBudget {
		budget = minScanBudget
	}
	s := &Sampler{group: group, logger: logger, budget: budget}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collect resolves every watch item (glob expansion when the item contains
// wildcard characters) and gathers metrics for each resolved path. The
// returned sample's epoch is the unix time at which collection started.
func (s *Sampler) Collect(ctx context.Context) snapshot.Sample {
	sample := snapshot.Sample{
		Epoch:   time.Now().Unix(),
		Entries: make(map[string]snapshot.Metrics),
	}

	for _, item := range s.group.WatchItems {
		if strings.ContainsAny(item, "*?[") {
			paths, err := filepath.Glob(item)
			if err != nil {
				s.logger.Warn("invalid glob pattern, skipping watch item",
					slog.String("item", item),
					slog.Any("error", err),
				)
				continue
			}
			if len(paths) == 0 {
				s.logger.Debug("glob pattern matched no paths", slog.String("item", item))
			}
			for _, p := range paths {
				s.processEntry(ctx, p, sample.Entries, 1)
			}
			continue
		}

		if _, err := os.Stat(item); err != nil {
			s.logger.Warn("watch item does not exist, skipping",
				slog.String("item", item),
				slog.Any("error", err),
			)
			continue
		}
		s.processEntry(ctx, item, sample.Entries, 1)
	}

	return sample
}

// processEntry collects metrics for one path and, in explode mode, recurses
// into directory children up to the group's max depth. Access errors are
// logged and the entry is skipped; the rest of the collection continues.
func (s *Sampler) processEntry(ctx context.Context, path string, entries map[string]snapshot.Metrics, depth int) {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("cannot stat path, skipping entry",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}
	lstat, err := os.Lstat(path)
	isSymlink := err == nil && lstat.Mode()&os.ModeSymlink != 0

	uid, gid, mode, ctime := statIdentity(info)
	m := snapshot.Metrics{
		Kind:         snapshot.KindFile,
		Size:         info.Size(),
		UserID:       uid,
		GroupID:      gid,
		Mode:         mode,
		LastModified: unixSeconds(info.ModTime()),
		CreationTime: ctime,
	}

	if info.IsDir() && !isSymlink {
		m.Kind = snapshot.KindDirectory
		if s.group.ExplodeDirectories {
			s.explodeDir(ctx, path, &m, entries, depth)
		} else {
			s.aggregateDir(ctx, path, &m)
		}
		entries[path] = m
		return
	}

	md5Hex, shaHex, err := hashFile(path)
	if err != nil {
		s.logger.Warn("cannot hash file",
			slog.String("path", path),
			slog.Any("error", err),
		)
	} else {
		m.MD5 = md5Hex
		m.SHA256 = shaHex
	}

	if s.group.Pattern != "" {
		found, err := searchPattern(path, s.group.Pattern)
		if err != nil {
			s.logger.Warn("cannot search pattern in file",
				slog.String("path", path),
				slog.Any("error", err),
			)
		} else {
			m.PatternFound = snapshot.Bool(found)
		}
	}

	entries[path] = m
}

// explodeDir records immediate child counts on the directory entry and, when
// within the depth limit, recurses so that every descendant gets its own
// Metrics entry. Beyond the limit the directory is recorded with zero
// counts, matching the aggregate view of an unexplored subtree.
func (s *Sampler) explodeDir(ctx context.Context, path string, m *snapshot.Metrics, entries map[string]snapshot.Metrics, depth int) {
	m.Size = 0
	if depth > s.group.MaxDepth {
		return
	}

	children, err := os.ReadDir(path)
	if err != nil {
		s.logger.Warn("cannot read directory",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}

	for _, child := range children {
		childPath := filepath.Join(path, child.Name())
		if child.IsDir() {
			m.SubdirsCount++
		} else {
			m.FilesCount++
			if info, err := child.Info(); err == nil {
				m.Size += info.Size()
			}
		}
		s.processEntry(ctx, childPath, entries, depth+1)
	}
}

// dirTotals carries the aggregate numbers for a directory subtree.
type dirTotals struct {
	size    int64
	files   int64
	subdirs int64
}

// aggregateDir computes deep descendant totals for the directory under the
// sampler's time budget. The walk runs in its own goroutine; when the budget
// expires the walk is abandoned in place (the goroutine observes the
// cancelled context and unwinds on its own) and sentinel values are recorded
// with TimedOut set.
func (s *Sampler) aggregateDir(ctx context.Context, path string, m *snapshot.Metrics) {
	walkCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	done := make(chan dirTotals, 1)
	go func() {
		done <- s.walkTotals(walkCtx, path, 1)
	}()

	select {
	case t := <-done:
		if walkCtx.Err() != nil {
			break
		}
		m.Size = t.size
		m.FilesCount = t.files
		m.SubdirsCount = t.subdirs
		return
	case <-walkCtx.Done():
	}

	s.logger.Warn("directory aggregation exceeded its budget",
		slog.String("path", path),
		slog.Duration("budget", s.budget),
	)
	m.Size = -1
	m.FilesCount = -1
	m.SubdirsCount = -1
	m.TimedOut = true
}

// walkTotals recursively sums sizes and counts up to the group's max depth,
// checking the context between entries so an abandoned walk terminates.
func (s *Sampler) walkTotals(ctx context.Context, path string, depth int) dirTotals {
	var t dirTotals

	children, err := os.ReadDir(path)
	if err != nil {
		s.logger.Warn("cannot read directory",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return t
	}

	for _, child := range children {
		if ctx.Err() != nil {
			return t
		}
		if child.IsDir() {
			t.subdirs++
			if depth < s.group.MaxDepth {
				sub := s.walkTotals(ctx, filepath.Join(path, child.Name()), depth+1)
				t.size += sub.size
				t.files += sub.files
				t.subdirs += sub.subdirs
			}
			continue
		}
		info, err := child.Info()
		if err != nil {
			// Vanished between listing and stat.
			continue
		}
		t.files++
		t.size += info.Size()
	}
	return t
}

// hashFile computes the MD5 and SHA-256 digests of path in fixed-size
// chunks.
func hashFile(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	h1 := md5.New()
	h2 := sha256.New()
	if _, err := io.CopyBuffer(io.MultiWriter(h1, h2), f, make([]byte, hashChunkSize)); err != nil {
		return "", "", fmt.Errorf("read %q: %w", path, err)
	}
	return hex.EncodeToString(h1.Sum(nil)), hex.EncodeToString(h2.Sum(nil)), nil
}

// searchPattern reports whether the literal pattern occurs in the file,
// reading in chunks and carrying a len(pattern)-1 byte overlap so matches
// spanning chunk boundaries are found.
func searchPattern(path, pattern string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	needle := []byte(pattern)
	overlap := len(needle) - 1
	if overlap < 0 {
		overlap = 0
	}

	chunk := make([]byte, hashChunkSize)
	carry := make([]byte, 0, overlap)

	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			window := make([]byte, 0, len(carry)+n)
			window = append(window, carry...)
			window = append(window, chunk[:n]...)
			if bytes.Contains(window, needle) {
				return true, nil
			}
			if len(window) > overlap {
				carry = append(carry[:0], window[len(window)-overlap:]...)
			} else {
				carry = append(carry[:0], window...)
			}
		}
		if readErr == io.EOF {
			return false, nil
		}
		if readErr != nil {
			return false, fmt.Errorf("read %q: %w", path, readErr)
		}
	}
}

// unixSeconds converts t to float64 unix seconds, the representation used
// across metrics, predicates, and storage.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
