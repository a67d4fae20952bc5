// Package tunnel implements the entry and exit endpoints (spec.md §4.7,
// C7): session lifecycle, handshake emission, fragmentation/dispersal on
// send, ordered reassembly on receive, ACK generation, and the shared
// window-clock tick. Grounded on the teacher's
// internal/handler/unified_handler.go session-table/read-loop shape,
// generalized from one UDP handler to one TCP accept loop per endpoint
// role, plus nodes/entry.py and nodes/exit.py from the original
// implementation for the exact per-chunk/per-frame algorithm.
package tunnel

import "errors"

// ErrPathUnavailable is returned when the exit has no live writer for a
// path the scheduler selected (spec.md §7). It is recoverable: the
// fragment is silently skipped.
var ErrPathUnavailable = errors.New("tunnel: no writer available for path")

// ErrUpstreamFailure is returned when the exit's upstream-server socket
// closes during forward-to-server (spec.md §7). Fatal for the session.
var ErrUpstreamFailure = errors.New("tunnel: upstream server connection failed")
