package signer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Package is the working copy of a source archive. Opening a .ipa/.tipa
// extracts it into a temporary directory; opening a bare .app copies it into
// the same Payload layout so the rest of the pipeline never cares which form
// the caller handed over. The Package owns the working directory and cleans
// it up on Remove.
type Package struct {
	sourcePath string
	workDir    string
	appPath    string
}

// OpenPackage materializes a working copy of the archive or .app at path.
func OpenPackage(path string) (*Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat package: %w", err)
	}

	workDir, err := os.MkdirTemp("", "plume-signer-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	p := &Package{sourcePath: path, workDir: workDir}

	if info.IsDir() {
		if !strings.HasSuffix(path, ".app") {
			os.RemoveAll(workDir)
			return nil, fmt.Errorf("directory %s is not an .app bundle", path)
		}
		dst := filepath.Join(workDir, "Payload", filepath.Base(path))
		if err := copyBundleDir(path, dst); err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
		p.appPath = dst
		return p, nil
	}

	if err := extractArchive(path, workDir); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}

	appPath, err := findAppBundle(workDir)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	p.appPath = appPath
	return p, nil
}

// AppPath returns the working copy of the .app bundle.
func (p *Package) AppPath() string { return p.appPath }

// SourcePath returns the archive or bundle the package was opened from.
func (p *Package) SourcePath() string { return p.sourcePath }

// Archive zips the working Payload tree into a fresh archive at outputPath.
func (p *Package) Archive(outputPath string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer outFile.Close()

	w := zip.NewWriter(outFile)
	defer w.Close()

	return filepath.Walk(p.workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == p.workDir {
			return nil
		}

		relPath, err := filepath.Rel(p.workDir, path)
		if err != nil {
			return err
		}
		zipPath := strings.ReplaceAll(relPath, string(os.PathSeparator), "/")

		if info.IsDir() {
			_, err := w.Create(zipPath + "/")
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = zipPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
}

// ArchiveName derives the output archive name from the source, preserving a
// .tipa extension when the source carried one.
func (p *Package) ArchiveName() string {
	base := filepath.Base(p.sourcePath)
	ext := filepath.Ext(base)
	switch ext {
	case ".tipa":
		return strings.TrimSuffix(base, ext) + "-signed.tipa"
	default:
		return strings.TrimSuffix(base, ext) + "-signed.ipa"
	}
}

// Remove deletes the working directory.
func (p *Package) Remove() error {
	return os.RemoveAll(p.workDir)
}

func extractArchive(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipFile(f, destDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, f.Mode())
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// copyBundleDir clones a bundle directory into dst, preserving file modes so
// the executables inside stay executable.
func copyBundleDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, relPath)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

func findAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payloadDir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("no .app bundle found in Payload directory")
}
