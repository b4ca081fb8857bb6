package experiment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"

	"github.com/finchlab/scopeflow/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// archiveQuality trades compression time for size; results are mostly JSON
// text and compress well below maximum effort.
const archiveQuality = 6

// WriteArchive persists a run result as brotli-compressed JSON at path,
// creating parent directories as needed.
func WriteArchive(result schemas.Result, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", path, err)
	}
	defer f.Close()

	if err := writeArchive(result, f); err != nil {
		return err
	}
	return f.Close()
}

func writeArchive(result schemas.Result, w io.Writer) error {
	bw := brotli.NewWriterLevel(w, archiveQuality)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	return nil
}

// ReadArchive loads a result previously written by WriteArchive.
func ReadArchive(path string) (schemas.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return schemas.Result{}, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	var result schemas.Result
	if err := json.NewDecoder(brotli.NewReader(f)).Decode(&result); err != nil {
		return schemas.Result{}, fmt.Errorf("failed to decode archive %s: %w", path, err)
	}
	return result, nil
}
