//go:build linux && amd64

package fault

// sysUserfaultfd is the amd64 syscall number for userfaultfd(2); not
// exposed as a named constant in golang.org/x/sys/unix for every arch,
// so each supported arch carries its own small file.
const sysUserfaultfd = 323
