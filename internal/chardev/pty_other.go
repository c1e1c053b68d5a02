//go:build !linux && !darwin

package chardev

import (
	"errors"
	"os"
)

func openPTY() (*os.File, *os.File, string, error) {
	return nil, nil, "", errors.New("pty backend not supported on this platform")
}
