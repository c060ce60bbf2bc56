// Package worklist loads the ordered list of targets a crawl visits.
//
// Plain text and CSV lists hold one target per line. When a line contains a
// comma, the text after the first comma is the target, so ranked lists such
// as "1,example.com" load unchanged. YAML lists carry a targets sequence.
// Bare domains are given an https scheme.
package worklist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyList         = errors.New("worklist: no targets")
	ErrUnsupportedFormat = errors.New("worklist: unsupported format")
)

// List is a loaded work list
type List struct {
	// Short name used in log file names, the file name without extension
	Name    string
	Path    string
	Targets []string
}

// Len returns the number of targets
func (l *List) Len() int {
	return len(l.Targets)
}

type yamlList struct {
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets"`
}

// Load reads a work list from path. The format follows the file extension.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open work list: %w", err)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	list := &List{Name: name, Path: path}
	switch ext {
	case ".yaml", ".yml":
		var doc yamlList
		if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s", ErrEmptyList, path)
			}
			return nil, fmt.Errorf("failed to parse work list %s: %w", path, err)
		}
		if doc.Name != "" {
			list.Name = doc.Name
		}
		for _, t := range doc.Targets {
			if target, ok := Normalize(t); ok {
				list.Targets = append(list.Targets, target)
			}
		}
	case ".txt", ".csv", ".list", "":
		targets, err := ParseLines(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read work list %s: %w", path, err)
		}
		list.Targets = targets
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	if len(list.Targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyList, path)
	}
	return list, nil
}

// ParseLines reads one target per line. Blank lines and lines starting with
// '#' are skipped.
func ParseLines(r io.Reader) ([]string, error) {
	var targets []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, ','); i >= 0 {
			line = line[i+1:]
		}
		if target, ok := Normalize(line); ok {
			targets = append(targets, target)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

// Normalize trims a raw entry and adds a scheme to bare domains. It reports
// false for entries that are not targets.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"`)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s, true
}

// Synthetic builds a list of n identical targets, used by test runs
func Synthetic(n int, target string) *List {
	targets := make([]string, n)
	for i := range targets {
		targets[i] = target
	}
	return &List{Name: "test", Targets: targets}
}
