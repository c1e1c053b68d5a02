//go:build darwin

package chardev

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
)

// libc holds the libSystem pty calls, which x/sys/unix does not wrap.
var libc struct {
	once sync.Once
	err  error

	posixOpenpt func(flags int32) int32
	grantpt     func(fd int32) int32
	unlockpt    func(fd int32) int32
	ptsnameR    func(fd int32, buf *byte, size uintptr) int32
}

func loadLibc() error {
	libc.once.Do(func() {
		h, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libc.err = err
			return
		}
		purego.RegisterLibFunc(&libc.posixOpenpt, h, "posix_openpt")
		purego.RegisterLibFunc(&libc.grantpt, h, "grantpt")
		purego.RegisterLibFunc(&libc.unlockpt, h, "unlockpt")
		purego.RegisterLibFunc(&libc.ptsnameR, h, "ptsname_r")
	})
	return libc.err
}

func openPTY() (master, slave *os.File, slavePath string, err error) {
	if err := loadLibc(); err != nil {
		return nil, nil, "", fmt.Errorf("load libSystem: %w", err)
	}
	fd := libc.posixOpenpt(unix.O_RDWR | unix.O_NOCTTY)
	if fd < 0 {
		return nil, nil, "", errors.New("posix_openpt failed")
	}
	name := make([]byte, 128)
	if libc.grantpt(fd) != 0 || libc.unlockpt(fd) != 0 || libc.ptsnameR(fd, &name[0], uintptr(len(name))) != 0 {
		unix.Close(int(fd))
		return nil, nil, "", errors.New("prepare pty slave failed")
	}
	slavePath = unix.ByteSliceToString(name)
	master, slave, err = attachPTY(int(fd), slavePath)
	return master, slave, slavePath, err
}
