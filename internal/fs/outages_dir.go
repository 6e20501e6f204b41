package fs

import (
	"os"
	"os/user"
	"path/filepath"
)

// DirName is the directory under the user's home holding local data files.
const DirName = ".outages"

// OutagesDir retrieves the directory local stores default to.
func OutagesDir() (string, error) {
	var dir string
	// By default, store data files in current users home directory
	u, err := user.Current()
	if err == nil {
		dir = u.HomeDir
	} else if home := os.Getenv("HOME"); home != "" {
		dir = home
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	return filepath.Join(dir, DirName), nil
}
