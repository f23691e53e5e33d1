package corenet

// Architecture-specific function pointer, populated by initArchSpecific in
// the matching socktune_{amd64,arm64,generic}.go file.
var archTuneAccepted func(fd int)

func init() {
	initArchSpecific()
}

// tuneAccepted applies architecture-specific socket buffer sizing to a
// freshly accept4'd client descriptor. It runs once per connection, on the
// loop thread, immediately after accept and after TCP_NODELAY (spec.md
// §4.2) has already been set by the caller.
func tuneAccepted(fd int) {
	archTuneAccepted(fd)
}
