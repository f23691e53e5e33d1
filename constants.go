package corenet

// Fixed tuning constants from spec.md §2/§6. These are deliberately not
// configurable: the spec's Non-goals rule out runtime-adjustable I/O
// shapes, so only the config-facing knobs in config.go vary per loop.
const (
	maxEpollEvents  = 512 // E: epoll_wait batch size
	readIovecs      = 32  // V_r: receive-path vectored read width
	writeIovecs     = 32  // V_s: send-path vectored write width
	maxSendBytes    = 131072
	listenBacklog   = 128
)

// Self-pipe wire messages (spec.md §4/§6): exactly one byte per logical
// event, read one at a time per dispatch cycle.
const (
	wireStateChange byte = 0x00
	wireCoalesce    byte = 0x01
)
