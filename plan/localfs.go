// Package plan holds filesystem plumbing shared by the daemon, the store, and the listener.
package plan

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

var (
	// DefaultDirMode is used for any dir the agent creates.
	DefaultDirMode = os.FileMode(0700)

	// PrivateFileMode is used for the store file and the socket.
	PrivateFileMode = os.FileMode(0600)
)

// ExpandAndCheckPath parses/expands the given dir path and then verifies it's existence,
// returning the expanded path.
//
// If autoCreate == true, an error is returned if the dir didn't exist and failed to be created.
//
// If autoCreate == false, an error is returned if the dir doesn't exist.
func ExpandAndCheckPath(
	dirPath string,
	autoCreate bool,
) (string, error) {

	pathname, err := homedir.Expand(dirPath)
	if err != nil {
		return "", errors.Wrapf(err, "error expanding '%s'", dirPath)
	}

	_, err = os.Stat(pathname)
	if err != nil && os.IsNotExist(err) {
		if autoCreate {
			err = os.MkdirAll(pathname, DefaultDirMode)
		} else {
			err = errors.Errorf("path '%s' does not exist", pathname)
		}
	}
	if err != nil {
		return "", err
	}

	return pathname, nil
}

// ExpandFilePath expands the given file pathname and ensures its parent dir exists.
func ExpandFilePath(filePath string) (string, error) {
	pathname, err := homedir.Expand(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "error expanding '%s'", filePath)
	}
	if pathname == "" {
		return "", errors.New("empty file path")
	}

	if _, err = ExpandAndCheckPath(filepath.Dir(pathname), true); err != nil {
		return "", err
	}
	return pathname, nil
}

// CreatePrivateFile creates an empty file readable only by the current user.
// An error is returned if the file already exists.
func CreatePrivateFile(pathname string) error {
	f, err := os.OpenFile(pathname, os.O_RDWR|os.O_CREATE|os.O_EXCL, PrivateFileMode)
	if err != nil {
		return errors.Wrapf(err, "creating '%s'", pathname)
	}
	return f.Close()
}

// FileExists returns true if pathname exists (as anything, including a dangling symlink).
func FileExists(pathname string) bool {
	_, err := os.Lstat(pathname)
	return err == nil
}

// CheckPrivateFile returns an error if pathname is not a regular file owned solely by the current user.
func CheckPrivateFile(pathname string) error {
	fi, err := os.Lstat(pathname)
	if err != nil {
		return errors.Wrapf(err, "checking '%s'", pathname)
	}
	if !fi.Mode().IsRegular() {
		return errors.Errorf("'%s' is not a regular file", pathname)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return errors.Errorf("'%s' has mode %v, want %v", pathname, fi.Mode().Perm(), PrivateFileMode)
	}
	return nil
}
