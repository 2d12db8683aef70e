package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/menta2k/morpheus/pkg/types"
)

var imageExts = []string{"jpg", "jpeg", "png", "gif", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile reports whether filename has an extension the processor can decode
func IsImageFile(filename string) bool {
	return slices.Contains(imageExts, GetFileExtension(filename))
}

// StillFilename names a saved reference still after its source and capture time
func StillFilename(outputDir, source string, at time.Time, format string) string {
	if format == "" {
		format = "jpg"
	}
	name := SanitizeFilename(source)
	if name == "" {
		name = "still"
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s.%s", at.Format("20060102-150405"), name, format))
}

// ListImageFiles lists the image files directly inside dir, sorted by name
func ListImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// PresetsFromDir builds a preset for every image in dir, labelled by file name
func PresetsFromDir(dir string) ([]types.Preset, error) {
	if !DirExists(dir) {
		return nil, fmt.Errorf("preset directory not found: %s", dir)
	}
	files, err := ListImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}

	presets := make([]types.Preset, 0, len(files))
	for _, f := range files {
		base := filepath.Base(f)
		label := strings.TrimSuffix(base, filepath.Ext(base))
		label = strings.NewReplacer("_", " ", "-", " ").Replace(label)
		presets = append(presets, types.Preset{Path: f, Label: label})
	}
	return presets, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Remove leading/trailing underscores and dots
	result = strings.Trim(result, "_.")

	return result
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
