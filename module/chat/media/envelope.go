package media

import (
	"encoding/json"
	"strings"

	"PPClient/tools/errs"
)

// 封套 kind 枚举
const (
	KindVoice = "voice"
	KindVideo = "video"
	KindImage = "image"
)

// Envelope 带外媒体的消息体封套。
// 二进制载荷由外部上传器负责，这里只包引用；封套作为普通消息内容
// 走同一条发送/恢复流水线，幂等与恢复机制全部复用。
type Envelope struct {
	Kind       string `json:"kind"`
	Mime       string `json:"mime"`
	URL        string `json:"url"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Build 构造封套 JSON，作为消息 content 发送
func Build(kind, mime, url string, durationMS int64) (string, error) {
	switch kind {
	case KindVoice, KindVideo, KindImage:
	default:
		return "", errs.ErrSendRejected.WrapMsg("unknown media kind", "kind", kind)
	}
	if url == "" {
		return "", errs.ErrSendRejected.WrapMsg("media url empty")
	}
	b, err := json.Marshal(Envelope{Kind: kind, Mime: mime, URL: url, DurationMS: durationMS})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse 尝试把消息内容解析成媒体封套；不是封套返回 ok=false
func Parse(content string) (*Envelope, bool) {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, false
	}
	switch e.Kind {
	case KindVoice, KindVideo, KindImage:
		return &e, e.URL != ""
	}
	return nil, false
}
