//go:build amd64

package corenet

import "golang.org/x/sys/unix"

// Optimal socket buffer sizes tuned for AMD64 Linux hosts, carried over
// from the teacher's per-arch optimization tables.
const (
	archReadBufferBytes  = 256 * 1024
	archWriteBufferBytes = 256 * 1024
)

func initArchSpecific() {
	archTuneAccepted = amd64TuneAccepted
}

// amd64TuneAccepted sets larger kernel socket buffers and enables
// TCP_QUICKACK, both of which pay off more reliably on AMD64 server
// hardware than on the generic/ARM64 defaults.
func amd64TuneAccepted(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, archReadBufferBytes)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, archWriteBufferBytes)
	// TCP_QUICKACK: best effort, unsupported on some kernels/configs.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
}
