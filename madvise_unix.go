//go:build !windows

package kdmpparser

import "golang.org/x/sys/unix"

func adviseRandom(m []byte) {
	_ = unix.Madvise(m, unix.MADV_RANDOM)
}
