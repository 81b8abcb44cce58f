package fdlimit

const (
	defaultLimit = 8192
	// 每个探测最多占用的描述符：到代理的连接，加上 DNS 等杂项
	fdPerProbe = 2
	// 留给日志、监听器、导出文件等的余量
	budgetPercent = 70
)

// Cap 把请求的并发数限制在文件描述符预算之内，返回最终并发数和检测到的限制。
func Cap(requested int) (int, uint64) {
	limit := Detect()
	return capWith(requested, limit), limit
}

func capWith(requested int, limit uint64) int {
	if requested < 1 {
		requested = 1
	}
	if limit == 0 {
		return requested
	}
	maxByFD := int(limit * budgetPercent / 100 / fdPerProbe)
	if maxByFD < 1 {
		maxByFD = 1
	}
	if requested > maxByFD {
		return maxByFD
	}
	return requested
}
