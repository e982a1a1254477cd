// Package provider discovers session transcript files across the
// known AI coding-assistant providers (Claude, Codex, Gemini).
package provider

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config describes one provider's session root and file extension.
type Config struct {
	Name      string
	Root      string
	Extension string
}

// KnownProviders returns the provider configurations whose root
// directories exist on this system.
func KnownProviders() []Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/tmp"
	}

	candidates := []Config{
		{Name: "claude", Root: filepath.Join(home, ".claude", "projects"), Extension: ".jsonl"},
		{Name: "codex", Root: filepath.Join(home, ".codex", "sessions"), Extension: ".jsonl"},
		{Name: "gemini", Root: filepath.Join(home, ".gemini", "tmp"), Extension: ".json"},
	}

	var known []Config
	for _, c := range candidates {
		if info, err := os.Stat(c.Root); err == nil && info.IsDir() {
			known = append(known, c)
		}
	}
	return known
}

// DiscoveredFile is one session file found under a provider's root.
type DiscoveredFile struct {
	Path     string
	Provider string
	ModTime  int64
}

// DiscoverAll walks every provider's root looking for non-empty files
// with the registered extension, returning results sorted newest-modified
// first.
func DiscoverAll(providers []Config) ([]DiscoveredFile, error) {
	var files []DiscoveredFile

	for _, p := range providers {
		err := filepath.WalkDir(p.Root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(path), p.Extension) {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() == 0 {
				return nil
			}
			files = append(files, DiscoveredFile{
				Path:     path,
				Provider: p.Name,
				ModTime:  info.ModTime().UnixNano(),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ModTime > files[j].ModTime })
	return files, nil
}

// ProviderForPath returns the provider name owning path, matching on
// path component boundaries so "projects2/" can't match "projects/".
func ProviderForPath(path string, providers []Config) (string, bool) {
	for _, p := range providers {
		if isWithinRoot(path, p.Root) {
			return p.Name, true
		}
	}
	return "", false
}

func isWithinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "")
}
