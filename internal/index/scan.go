package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/spetr/mcp-bslindex/internal/parser"
	"github.com/spetr/mcp-bslindex/pkg/types"
)

// IgnoreFile holds gitignore-style rules in the configuration root.
const IgnoreFile = ".bslindexignore"

// alwaysSkipped are directories never descended into.
var alwaysSkipped = map[string]bool{
	".git":          true,
	".mcp-bslindex": true,
}

// ScanConfig controls which files become units.
type ScanConfig struct {
	Root        string
	Exclude     []string // gitignore-style patterns
	MaxFileSize int64    // bytes; 0 means unlimited
	MaxFiles    int      // 0 means unlimited
}

// ScanResult is the outcome of one walk over the configuration root.
type ScanResult struct {
	Units []*types.Unit

	// Skipped lists indexable files that exist but were not read: too
	// large, unreadable or past the file limit. They are not deletions.
	Skipped []string

	Diagnostics []types.Diagnostic
}

// Scan walks the configuration root and returns every indexable unit,
// tagged by kind and naming context, ordered by RelPath. Files that cannot
// be read are reported as diagnostics and listed in Skipped.
func Scan(ctx context.Context, cfg ScanConfig) (*ScanResult, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("configuration root: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("configuration root %s is not a directory", root)
	}

	matcher, err := compileIgnore(root, cfg.Exclude)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{}
	limited := false

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			res.Diagnostics = append(res.Diagnostics, warning(rel, walkErr.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			res.Skipped = append(res.Skipped, rel)
			return nil
		}

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if alwaysSkipped[d.Name()] || matcher.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if matcher.MatchesPath(rel) {
			return nil
		}
		info, ok := parser.Describe(rel)
		if !ok {
			return nil
		}
		if limited {
			res.Skipped = append(res.Skipped, rel)
			return nil
		}

		unit, err := readUnit(path, rel, cfg.MaxFileSize)
		if err != nil {
			slog.Warn("failed to read unit", "path", rel, "error", err)
			res.Diagnostics = append(res.Diagnostics, warning(rel, err.Error()))
			res.Skipped = append(res.Skipped, rel)
			return nil
		}
		info.Apply(unit)
		res.Units = append(res.Units, unit)

		if cfg.MaxFiles > 0 && len(res.Units) >= cfg.MaxFiles {
			limited = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limited && len(res.Skipped) > 0 {
		slog.Warn("max files limit reached, remaining files skipped", "limit", cfg.MaxFiles)
		res.Diagnostics = append(res.Diagnostics, warning("", fmt.Sprintf("max files limit %d reached", cfg.MaxFiles)))
	}

	sort.Slice(res.Units, func(i, j int) bool { return res.Units[i].RelPath < res.Units[j].RelPath })
	sort.Strings(res.Skipped)
	return res, nil
}

func compileIgnore(root string, exclude []string) (*ignore.GitIgnore, error) {
	path := filepath.Join(root, IgnoreFile)
	if _, err := os.Stat(path); err == nil {
		gi, err := ignore.CompileIgnoreFileAndLines(path, exclude...)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
		}
		return gi, nil
	}
	return ignore.CompileIgnoreLines(exclude...), nil
}

func readUnit(path, rel string, maxSize int64) (*types.Unit, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("file too large: %d > %d bytes", info.Size(), maxSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	unit := &types.Unit{
		Path:    path,
		RelPath: rel,
		Content: content,
	}
	unit.Hash = unit.ComputeHash()
	return unit, nil
}

func warning(file, reason string) types.Diagnostic {
	return types.Diagnostic{File: file, Severity: types.SeverityWarning, Reason: reason}
}

// ParseSize parses a size string like "2MB" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if rest, ok := strings.CutSuffix(s, unit.suffix); ok {
			s, multiplier = strings.TrimSpace(rest), unit.mult
			break
		}
	}

	var value int64
	if _, err := fmt.Sscanf(s, "%d", &value); err != nil || value < 0 {
		return 0, fmt.Errorf("%w: invalid size %q", types.ErrInvalidConfig, s)
	}
	return value * multiplier, nil
}
