package http

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 请求参数
//
//	Body: nil / io.Reader / []byte 原样发送，其余类型按 JSON 序列化
//	Response: *[]byte 接收原始响应体，其余类型按 JSON 反序列化
//	MaxBytes: 响应体字节上限，<= 0 表示不限制
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout  time.Duration
	MaxBytes int64
}
