package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Exists returns true if the path exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads a file and returns its content as a string
func ReadFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return string(content), nil
}

// WriteFile writes content to a file, creating parent directories if needed
func WriteFile(path, content string) error {
	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return fmt.Errorf("failed to create parent directories: %w", err)
		}
	}

	err := os.WriteFile(path, []byte(content), 0644)
	if err != nil {
		LogError("Failed to write to file %s: %v", path, err)
		return err
	}

	LogDebug("Wrote content to file: %s", path)
	return nil
}

// CopyFile copies a file from source to destination
func CopyFile(src, dst string) error {
	if parent := filepath.Dir(dst); parent != "." {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return fmt.Errorf("failed to create destination parent directories: %w", err)
		}
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		LogError("Failed to open source file %s: %v", src, err)
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		LogError("Failed to create destination file %s: %v", dst, err)
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	if err != nil {
		LogError("Failed to copy %s to %s: %v", src, dst, err)
		return err
	}

	LogDebug("Copied %s to %s", src, dst)
	return nil
}

// FileDigest returns the hex-encoded sha256 digest of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TailFile returns up to the last n lines of a file. Missing files yield
// an empty result rather than an error.
func TailFile(path string, n int) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var lines []string
	start := 0
	for i, b := range content {
		if b == '\n' {
			lines = append(lines, string(content[start:i]))
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, string(content[start:]))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
