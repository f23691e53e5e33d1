//go:build arm64

package corenet

import "golang.org/x/sys/unix"

// Optimal socket buffer sizes tuned for ARM64 Linux hosts, carried over
// from the teacher's per-arch optimization tables.
const (
	archReadBufferBytes  = 128 * 1024
	archWriteBufferBytes = 128 * 1024
)

func initArchSpecific() {
	archTuneAccepted = arm64TuneAccepted
}

func arm64TuneAccepted(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, archReadBufferBytes)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, archWriteBufferBytes)
}
