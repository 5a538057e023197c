package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"PPClient/tools/errs"
)

// HTTPBackend Backend 的 HTTP 实现，对端是 service/backend 的 gin 服务。
// 错误响应是统一的 CodeError 信封，按 code 还原成客户端协议错误。
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
	Tokens  TokenProvider
}

func NewHTTPBackend(baseURL string, tokens TokenProvider) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
		Tokens:  tokens,
	}
}

type errEnvelope struct {
	Code         int    `json:"code"`
	Msg          string `json:"msg"`
	Detail       string `json:"detail,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func (b *HTTPBackend) post(ctx context.Context, path string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.Tokens != nil {
		tok, err := b.Tokens.Token(ctx)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	httpResp, err := b.Client.Do(httpReq)
	if err != nil {
		return err // 瞬时网络错误，交给恢复引擎退避
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return err
	}

	if httpResp.StatusCode != http.StatusOK {
		var env errEnvelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr == nil && env.Code != 0 {
			return decodeEnvelope(env)
		}
		return fmt.Errorf("http %d: %s", httpResp.StatusCode, string(data))
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(data, resp)
}

func decodeEnvelope(env errEnvelope) error {
	switch env.Code {
	case errs.CodeRetryLater:
		return errs.NewRetryLater(time.Duration(env.RetryAfterMS) * time.Millisecond)
	case errs.CodeReadGtDelivered:
		return errs.ErrReadGtDelivered.WrapMsg(env.Detail)
	case errs.CodeResyncFailed:
		return errs.ErrResyncFailed.WrapMsg(env.Detail)
	case errs.CodeSchemaGap:
		return errs.ErrSchemaGap.WrapMsg(env.Detail)
	default:
		return errs.NewCodeError(env.Code, env.Msg).WrapMsg(env.Detail)
	}
}

func (b *HTTPBackend) SendMessage(ctx context.Context, req *SendMessageReq) (*SendMessageResp, error) {
	var resp SendMessageResp
	if err := b.post(ctx, "/v1/message/send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) StatusWrite(ctx context.Context, req *StatusWriteReq) (*StatusWriteResp, error) {
	var resp StatusWriteResp
	if err := b.post(ctx, "/v1/message/status", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) ResyncStream(ctx context.Context, req *ResyncStreamReq) (*ResyncStreamResp, error) {
	var resp ResyncStreamResp
	if err := b.post(ctx, "/v1/stream/resync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) FullSnapshot(ctx context.Context, req *FullSnapshotReq) (*FullSnapshotResp, error) {
	var resp FullSnapshotResp
	if err := b.post(ctx, "/v1/conversation/snapshot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) AckDelivered(ctx context.Context, req *AckDeliveredReq) (*AckDeliveredResp, error) {
	var resp AckDeliveredResp
	if err := b.post(ctx, "/v1/cursor/delivered", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) AckRead(ctx context.Context, req *AckReadReq) (*AckReadResp, error) {
	var resp AckReadResp
	if err := b.post(ctx, "/v1/cursor/read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var _ Backend = (*HTTPBackend)(nil)
