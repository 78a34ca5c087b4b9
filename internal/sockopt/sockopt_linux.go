//go:build linux
// +build linux

package sockopt

import "golang.org/x/sys/unix"

const soReusePort = unix.SO_REUSEPORT

// applyDeferAccept sets TCP_DEFER_ACCEPT on Linux listeners so the kernel
// withholds the accept-ready event until data has actually arrived,
// trimming one empty readable wakeup off every new connection. Best-effort:
// failure is ignored, matching applyCommonOptions' tolerance for
// SO_REUSEPORT not being supported.
func applyDeferAccept(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
}
