package corenet

import "golang.org/x/sys/unix"

// pipeFDs returns a pair of real, closeable file descriptors standing in
// for a tracked socket's fd in tests that only need something Close(2)
// accepts, not an actual network connection.
func pipeFDs() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
