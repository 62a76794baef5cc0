// Package layout maps object keys to local filesystem paths and back, and
// owns the temporary-file discipline used by bucket downloads.
package layout

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/treno-io/s3transfer/errors"
)

// tempMarker separates the base name from the uniqueness suffix in
// temporary download files: <base>.s3tmp.<8 hex>[.ext].
const tempMarker = ".s3tmp."

const tempSuffixLen = 8

// KeyToRelPath translates an object key into a relative local path.
// The optional prefix is stripped, delimiters become the OS path separator,
// and the second return value is false when the key must be skipped: keys
// ending with the delimiter (S3 "folder" placeholders) and keys that escape
// the destination directory.
func KeyToRelPath(key, prefix, delimiter string) (string, bool) {
	if delimiter == "" {
		delimiter = "/"
	}
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimPrefix(rel, delimiter)
	if rel == "" || strings.HasSuffix(rel, delimiter) {
		return "", false
	}
	if PathEscapes(rel, delimiter) {
		return "", false
	}
	return strings.ReplaceAll(rel, delimiter, string(os.PathSeparator)), true
}

// PathEscapes reports whether the delimiter-separated relative path ever
// climbs above its root. Components are interpreted left to right with a
// running depth counter: ".." is -1, everything else +1. The guard is
// conservative: a path that dips negative is rejected even if it re-enters
// the tree later.
func PathEscapes(rel, delimiter string) bool {
	if delimiter == "" {
		delimiter = "/"
	}
	depth := 0
	for _, component := range strings.Split(rel, delimiter) {
		if component == ".." {
			depth--
		} else {
			depth++
		}
		if depth < 0 {
			return true
		}
	}
	return false
}

// PathToKey translates a relative local path into an object key. OS path
// separators become the delimiter and the optional prefix is prepended,
// gaining a trailing delimiter when it lacks one. A file whose name contains
// a non-default delimiter cannot be represented and is rejected.
func PathToKey(relPath, prefix, delimiter string) (string, error) {
	if delimiter == "" {
		delimiter = "/"
	}
	if delimiter != "/" && strings.Contains(filepath.Base(relPath), delimiter) {
		return "", errors.NewError("pathToKey", errors.ErrInvalidFileName).
			WithMessage("file name contains the delimiter " + delimiter)
	}
	key := strings.ReplaceAll(relPath, string(os.PathSeparator), delimiter)
	if prefix != "" {
		if !strings.HasSuffix(prefix, delimiter) {
			prefix += delimiter
		}
		key = prefix + key
	}
	return key, nil
}

// TempName builds the temporary sibling name for finalPath using the given
// 8-hex-character suffix: <base>.s3tmp.<suffix><ext>.
func TempName(finalPath, suffix string) string {
	dir := filepath.Dir(finalPath)
	name := filepath.Base(finalPath)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, base+tempMarker+suffix+ext)
}

// FinalFromTemp recovers the final path from a temporary name produced by
// TempName. It reports false when path carries no well-formed marker.
func FinalFromTemp(path string) (string, bool) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	idx := strings.LastIndex(name, tempMarker)
	if idx < 0 {
		return "", false
	}
	rest := name[idx+len(tempMarker):]
	if len(rest) < tempSuffixLen || !isHex(rest[:tempSuffixLen]) {
		return "", false
	}
	ext := rest[tempSuffixLen:]
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return "", false
	}
	return filepath.Join(dir, name[:idx]+ext), true
}

// CreateTemp creates an empty, exclusively-owned temporary sibling for
// finalPath and returns the open file. The suffix is regenerated until the
// name is unique.
func CreateTemp(finalPath string) (*os.File, error) {
	for {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(TempName(finalPath, suffix), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
	}
}

// Finalize atomically renames the temporary file to finalPath, overwriting
// any existing file. On rename failure the temporary file is removed and a
// RenameError is returned.
func Finalize(tempPath, finalPath string) error {
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return &errors.RenameError{TempPath: tempPath, FinalPath: finalPath, Err: err}
	}
	return nil
}

// EnsureDir creates dir and any missing parents, idempotently.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errors.DestinationError{Path: dir, Err: err}
	}
	return nil
}

func randomSuffix() (string, error) {
	var b [tempSuffixLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
