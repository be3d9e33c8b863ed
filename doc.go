// Package kdmpparser parses Windows x86-64 kernel crash dump files.
//
// It is read-only: given a dump produced by the Windows kernel crash
// infrastructure, it exposes the dump's type and header metadata, the
// CPU context captured at crash time, a physical-memory view keyed by
// guest physical address, a virtual-memory view that walks the
// captured page tables, and the user/kernel loaded-module lists.
package kdmpparser
