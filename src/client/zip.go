package client

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Maximum uncompressed size: 10 GB
	maxUncompressedSize = 10 * 1024 * 1024 * 1024
	// Maximum compression ratio to prevent zip bombs
	maxCompressionRatio = 100
)

// CreateZipFromDirectory writes sourceDir to targetZip. Entries keep the
// directory's own name as their top-level folder. Symlinks are skipped.
func CreateZipFromDirectory(sourceDir, targetZip string) error {
	zipFile, err := os.Create(targetZip)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer zipFile.Close()

	zw := zip.NewWriter(zipFile)
	baseDir := filepath.Base(filepath.Clean(sourceDir))

	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(baseDir, rel))
		if d.IsDir() {
			// Directory entries keep empty folders.
			header.Name += "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to zip directory: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip file: %w", err)
	}
	return zipFile.Close()
}

// Extracted describes what ExtractZipToDirectory wrote.
type Extracted struct {
	// Root is the archive's single top-level folder inside the target
	// directory, or the target directory itself.
	Root    string
	Files   int
	Skipped int
}

// ExtractZipToDirectory unpacks zipPath into targetDir, refusing archives
// that are too large, too compressed or that escape targetDir. allow is
// asked before each existing file is replaced; a nil allow replaces all.
func ExtractZipToDirectory(zipPath, targetDir string, allow func(path string) bool) (Extracted, error) {
	res := Extracted{Root: targetDir}
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return res, fmt.Errorf("failed to open zip file: %w", err)
	}
	defer reader.Close()

	var totalUncompressed, totalCompressed uint64
	for _, file := range reader.File {
		totalUncompressed += file.UncompressedSize64
		totalCompressed += file.CompressedSize64
	}
	if totalUncompressed > maxUncompressedSize {
		return res, fmt.Errorf("zip file too large: %d bytes (max %d bytes)", totalUncompressed, maxUncompressedSize)
	}
	if totalCompressed > 0 {
		if ratio := totalUncompressed / totalCompressed; ratio > maxCompressionRatio {
			return res, fmt.Errorf("suspicious compression ratio: %d:1 (max %d:1)", ratio, maxCompressionRatio)
		}
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create target directory: %w", err)
	}
	for _, file := range reader.File {
		path, err := sanitizeExtractPath(targetDir, file.Name)
		if err != nil {
			return res, fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
		if isDirEntry(file) {
			if err := os.MkdirAll(path, 0755); err != nil {
				return res, fmt.Errorf("failed to extract %s: %w", file.Name, err)
			}
			continue
		}
		if _, err := os.Stat(path); err == nil && allow != nil && !allow(path) {
			res.Skipped++
			continue
		}
		if err := extractFile(file, path); err != nil {
			return res, fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
		res.Files++
	}
	if top := topLevelDir(reader.File); top != "" {
		res.Root = filepath.Join(targetDir, top)
	}
	return res, nil
}

func isDirEntry(file *zip.File) bool {
	return file.FileInfo().IsDir() || strings.HasSuffix(file.Name, "/")
}

// topLevelDir returns the folder every entry lives under, if there is one.
func topLevelDir(files []*zip.File) string {
	top := ""
	for _, file := range files {
		first, _, nested := strings.Cut(strings.TrimPrefix(file.Name, "./"), "/")
		if !nested || (top != "" && first != top) {
			return ""
		}
		top = first
	}
	return top
}

func extractFile(file *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// sanitizeExtractPath joins an archive entry onto baseDir, rejecting
// absolute paths, null bytes and anything that would land outside baseDir.
func sanitizeExtractPath(baseDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("illegal absolute path: %s", name)
	}
	if strings.Contains(clean, "\x00") {
		return "", fmt.Errorf("illegal null byte in path: %s", name)
	}

	full := filepath.Join(baseDir, clean)
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	absPath, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path escape: %s", name)
	}
	return full, nil
}

// directoryStats counts the regular files under path and their total size.
func directoryStats(path string) (files int, size int64, err error) {
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	return files, size, err
}
