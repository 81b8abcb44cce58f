//go:build unix

// FILE: internal/sys/fdlimit/fdlimit_unix.go
package fdlimit

import "golang.org/x/sys/unix"

// Detect 返回进程当前的文件描述符软限制
func Detect() uint64 {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && lim.Cur > 0 {
		return uint64(lim.Cur)
	}
	return defaultLimit
}
