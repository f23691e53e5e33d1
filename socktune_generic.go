//go:build !amd64 && !arm64

package corenet

import "golang.org/x/sys/unix"

// Conservative socket buffer sizes for architectures the pack's examples
// never tuned specifically.
const (
	archReadBufferBytes  = 64 * 1024
	archWriteBufferBytes = 64 * 1024
)

func initArchSpecific() {
	archTuneAccepted = genericTuneAccepted
}

func genericTuneAccepted(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, archReadBufferBytes)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, archWriteBufferBytes)
}
