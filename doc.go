// Package corenet implements a Linux-native, per-CPU-core TCP transport
// core: an epoll event loop that accepts connections and moves bytes
// between kernel sockets and an application-supplied half-pipe, with one
// dedicated OS thread, one epoll instance, one buffer pool, and one
// socket registry per loop. See SPEC_FULL.md and DESIGN.md for the full
// design and its grounding in the retrieved example repos.
package corenet
