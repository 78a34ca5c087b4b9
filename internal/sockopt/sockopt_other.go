//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package sockopt

import "golang.org/x/sys/unix"

const soReusePort = unix.SO_REUSEPORT

// applyDeferAccept is a no-op on platforms without TCP_DEFER_ACCEPT; the
// listener simply delivers a readable event as soon as the connection is
// accepted, same as without the optimization.
func applyDeferAccept(int) {}
