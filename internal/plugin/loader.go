// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"archive/zip"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

// Manifest file names probed in order inside an extension directory.
var manifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// maxManifestSize bounds manifest reads from archives and disk.
const maxManifestSize = 1 << 20

// Discovered pairs a parsed manifest with the directory it was found in.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Loader finds extensions on disk and installs uploaded archives.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at the extensions directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the extensions directory.
func (l *Loader) Dir() string { return l.dir }

// PluginDir returns the directory an installed extension lives in.
func (l *Loader) PluginDir(pluginID string) string {
	return filepath.Join(l.dir, pluginID)
}

// Discover scans the extensions directory and parses every manifest it
// finds. Directories without a manifest, or with one that fails to parse,
// are logged and skipped so one broken extension cannot block the rest.
func (l *Loader) Discover() ([]Discovered, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.Code(CodeLoad).
			With("dir", l.dir).
			Hint("extensions directory must be readable").
			Wrap(err)
	}

	var found []Discovered
	for _, entry := range entries {
		if !entry.IsDir() || skipDir(entry.Name()) {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())

		manifest, err := LoadManifestFromDir(dir)
		if err != nil {
			slog.Warn("skipping extension with unreadable manifest",
				"dir", dir, "error", err)
			continue
		}
		if manifest == nil {
			slog.Debug("skipping directory without manifest", "dir", dir)
			continue
		}
		if manifest.ID != entry.Name() {
			slog.Warn("extension directory name does not match manifest id",
				"dir", entry.Name(), "plugin", manifest.ID)
		}
		found = append(found, Discovered{Manifest: manifest, Dir: dir})
	}
	return found, nil
}

// skipDir filters hidden directories and tooling caches.
func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return true
	}
	switch name {
	case "node_modules", "__pycache__":
		return true
	}
	return false
}

// LoadManifestFromDir reads and parses the manifest in dir. It returns
// (nil, nil) when no manifest file exists.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, oops.Code(CodeLoad).With("path", path).Wrap(err)
		}
		if len(data) > maxManifestSize {
			return nil, oops.Code(CodeValidation).
				With("path", path).
				New("manifest exceeds size limit")
		}
		if strings.HasSuffix(name, ".json") {
			return ParseManifest(data)
		}
		return ParseManifestYAML(data)
	}
	return nil, nil
}

// HasBackend reports whether the extension ships backend code for its
// declared runtime.
func (l *Loader) HasBackend(manifest *Manifest) bool {
	if manifest.EffectiveRuntime() == RuntimeNative {
		return true
	}
	_, err := os.Stat(filepath.Join(l.PluginDir(manifest.ID), "entry.lua"))
	return err == nil
}

// HasFrontend reports whether the extension ships static frontend assets.
func (l *Loader) HasFrontend(pluginID string) bool {
	info, err := os.Stat(filepath.Join(l.PluginDir(pluginID), "frontend"))
	return err == nil && info.IsDir()
}

// HasMigrations reports whether the extension ships schema migrations.
func (l *Loader) HasMigrations(pluginID string) bool {
	info, err := os.Stat(filepath.Join(l.PluginDir(pluginID), "migrations"))
	return err == nil && info.IsDir()
}

// InstallFromArchive extracts a zip archive into the extensions
// directory. The manifest may sit at the archive root or inside a single
// top-level directory. The archive is validated before anything is
// written under the extensions directory, and an already-installed id is
// rejected.
func (l *Loader) InstallFromArchive(archivePath string) (*Manifest, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, oops.Code(CodeValidation).
			Hint("upload must be a zip archive").
			Wrap(err)
	}
	defer r.Close()

	root, manifest, err := findArchiveManifest(&r.Reader)
	if err != nil {
		return nil, err
	}

	dest := l.PluginDir(manifest.ID)
	if _, err := os.Stat(dest); err == nil {
		return nil, oops.Code(CodeConflict).
			With("plugin", manifest.ID).
			Hint("uninstall the existing extension first").
			New("extension is already installed")
	}

	if err := extractArchive(&r.Reader, root, dest); err != nil {
		// Leave no partial install behind.
		_ = os.RemoveAll(dest)
		return nil, err
	}
	return manifest, nil
}

// findArchiveManifest locates and parses the manifest inside the archive,
// returning the prefix to strip during extraction.
func findArchiveManifest(r *zip.Reader) (root string, manifest *Manifest, err error) {
	candidates := []string{""}
	if prefix := soleTopLevelDir(r); prefix != "" {
		candidates = append(candidates, prefix)
	}

	for _, prefix := range candidates {
		for _, name := range manifestNames {
			f := archiveFile(r, prefix+name)
			if f == nil {
				continue
			}
			data, err := readArchiveFile(f)
			if err != nil {
				return "", nil, err
			}
			var m *Manifest
			if strings.HasSuffix(name, ".json") {
				m, err = ParseManifest(data)
			} else {
				m, err = ParseManifestYAML(data)
			}
			if err != nil {
				return "", nil, err
			}
			return prefix, m, nil
		}
	}
	return "", nil, oops.Code(CodeValidation).
		Hint("archive must contain a plugin.json or plugin.yaml at its root").
		New("no manifest found in archive")
}

// soleTopLevelDir returns "dir/" when every archive entry lives under a
// single top-level directory, else "".
func soleTopLevelDir(r *zip.Reader) string {
	var prefix string
	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		if name == "" {
			continue
		}
		top, _, found := strings.Cut(name, "/")
		if !found {
			return ""
		}
		if prefix == "" {
			prefix = top
		} else if prefix != top {
			return ""
		}
	}
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func archiveFile(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if strings.TrimPrefix(f.Name, "./") == name {
			return f
		}
	}
	return nil
}

func readArchiveFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, oops.Code(CodeValidation).With("entry", f.Name).Wrap(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
	if err != nil {
		return nil, oops.Code(CodeValidation).With("entry", f.Name).Wrap(err)
	}
	return data, nil
}

// extractArchive writes the archive's contents under dest, stripping the
// root prefix and refusing entries that would escape dest.
func extractArchive(r *zip.Reader, root, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return oops.Code(CodeLoad).With("dir", dest).Wrap(err)
	}

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		if root != "" {
			if !strings.HasPrefix(name, root) {
				continue
			}
			name = strings.TrimPrefix(name, root)
		}
		if name == "" {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		rel, err := filepath.Rel(dest, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return oops.Code(CodeValidation).
				With("entry", f.Name).
				New("archive entry escapes the extension directory")
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return oops.Code(CodeLoad).With("dir", target).Wrap(err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return oops.Code(CodeLoad).With("dir", filepath.Dir(target)).Wrap(err)
	}

	rc, err := f.Open()
	if err != nil {
		return oops.Code(CodeLoad).With("entry", f.Name).Wrap(err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = fs.FileMode(0o644)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return oops.Code(CodeLoad).With("path", target).Wrap(err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return oops.Code(CodeLoad).With("path", target).Wrap(err)
	}
	if err := out.Close(); err != nil {
		return oops.Code(CodeLoad).With("path", target).Wrap(err)
	}
	return nil
}

// Remove deletes an installed extension's directory.
func (l *Loader) Remove(pluginID string) error {
	if pluginID == "" || !idPattern.MatchString(pluginID) {
		return oops.Code(CodeValidation).With("plugin", pluginID).New("invalid extension id")
	}
	if err := os.RemoveAll(l.PluginDir(pluginID)); err != nil {
		return oops.Code(CodeLoad).With("plugin", pluginID).Wrap(err)
	}
	return nil
}
