package model

import "errors"

// 错误分类。各处用 %w 包装，调用方用 errors.Is 判断。
var (
	// ErrSourceFetch 单个代理源抓取或解析失败，不影响其他源。
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrProbeTransport 探测时连接失败或超时，记为一次失败轮。
	ErrProbeTransport = errors.New("probe transport error")
	// ErrProbeProtocol 验证端点返回了无法识别的响应，记为一次失败轮。
	ErrProbeProtocol = errors.New("probe protocol error")
	// ErrRegistryCapacity 注册表已满。
	ErrRegistryCapacity = errors.New("registry capacity exceeded")
	// ErrExportIO 导出文件写入失败，下个周期重试。
	ErrExportIO = errors.New("export io error")
)
