//go:build !unix

// FILE: internal/sys/fdlimit/fdlimit_other.go
package fdlimit

// Detect 在非 unix 系统上返回一个保守的默认值
func Detect() uint64 {
	return defaultLimit
}
