//go:build windows

package kdmpparser

// No POSIX madvise equivalent is wired on Windows; the map is still
// correct, just without the random-access readahead hint.
func adviseRandom(m []byte) {}
