//go:build linux && arm64

package fault

// sysUserfaultfd is the arm64 syscall number for userfaultfd(2).
const sysUserfaultfd = 282
