package device

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

var (
	// DefaultFileMode is used for files and dirs created on behalf of gateway components.
	DefaultFileMode = os.FileMode(0700)
)

// ExpandPath expands a leading "~" and cleans the given pathname.
func ExpandPath(pathname string) (string, error) {
	expanded, err := homedir.Expand(pathname)
	if err != nil {
		return "", errors.Wrapf(err, "error expanding '%s'", pathname)
	}
	return filepath.Clean(expanded), nil
}

// ExpandAndCheckPath expands the given pathname and verifies it is a dir.
//
// If autoCreate is set, the dir (and any parents) are created when missing.
func ExpandAndCheckPath(pathname string, autoCreate bool) (string, error) {
	expanded, err := ExpandPath(pathname)
	if err != nil {
		return "", err
	}

	fi, err := os.Stat(expanded)
	switch {
	case err == nil && !fi.IsDir():
		err = errors.Errorf("path '%s' is not a dir", expanded)
	case err != nil && os.IsNotExist(err):
		if autoCreate {
			err = os.MkdirAll(expanded, DefaultFileMode)
		} else {
			err = errors.Errorf("path '%s' does not exist", expanded)
		}
	}
	if err != nil {
		return "", err
	}

	return expanded, nil
}

// EnsureParentDir expands the given file pathname and creates its parent dir if missing.
func EnsureParentDir(pathname string) (string, error) {
	expanded, err := ExpandPath(pathname)
	if err != nil {
		return "", err
	}
	if _, err = ExpandAndCheckPath(filepath.Dir(expanded), true); err != nil {
		return "", err
	}
	return expanded, nil
}
