package global

import "time"

// AppConfig 投递/恢复协议的策略参数。
// 数值是经验调出来的默认值，调用方可整体替换或按字段改。
type AppConfig struct {
	// 近似匹配窗口：拉取合并 vs 实时事件合并（推送抖动更大，窗口放宽）
	FetchMatchWindow    time.Duration
	RealtimeMatchWindow time.Duration

	// 写回执等待截止；超时进入 StatusCheck
	ReceiptDeadline time.Duration

	// 恢复步骤之间的退避：base * 2^attempt，封顶 cap，乘性随机抖动
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64 // 0~1，实际延迟乘以 [1, 1+jitter)
	MaxAttempts   int

	// 已送达回执的合并去抖
	AckDebounce time.Duration

	// 轮询兜底间隔（实时流可能丢事件）
	PollInterval time.Duration

	// 重复发送指纹的冷却窗口
	DuplicateWindow time.Duration

	// 增量补流/全量快照的分页上限
	ResyncLimit   int
	SnapshotLimit int

	// 会话事件通道缓冲
	EventBuffer int
}

func Default() AppConfig {
	return AppConfig{
		FetchMatchWindow:    10 * time.Second,
		RealtimeMatchWindow: 15 * time.Second,
		ReceiptDeadline:     5 * time.Second,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          10 * time.Second,
		BackoffJitter:       0.5,
		MaxAttempts:         5,
		AckDebounce:         600 * time.Millisecond,
		PollInterval:        3 * time.Second,
		DuplicateWindow:     8 * time.Second,
		ResyncLimit:         500,
		SnapshotLimit:       1000,
		EventBuffer:         256,
	}
}

var Global = Default()
