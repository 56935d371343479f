package types

import "errors"

// ErrorKind 是错误分类，随 Result 一起投递
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindConnection ErrorKind = "CONNECTION" // 端口打开失败
	KindIO         ErrorKind = "IO"         // 已打开端口上的读写失败
	KindTimeout    ErrorKind = "TIMEOUT"    // 超时未响应，不一定致命
	KindProtocol   ErrorKind = "PROTOCOL"   // 收到响应但无法解析
	KindValue      ErrorKind = "VALUE"      // 调用方参数越界或格式错误
	KindInternal   ErrorKind = "INTERNAL"   // 未预期的故障 (panic 兜底)
)

// 错误分类的哨兵错误，驱动层用 fmt.Errorf("%w: ...") 包装
var (
	ErrConnection = errors.New("connection error")
	ErrIO         = errors.New("io error")
	ErrTimeout    = errors.New("timeout")
	ErrProtocol   = errors.New("protocol error")
	ErrValue      = errors.New("value error")
)

// KindOf 将错误映射到分类
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrValue):
		return KindValue
	default:
		return KindInternal
	}
}

// IsLinkFatal 判断该分类是否意味着连接已不可用
func (k ErrorKind) IsLinkFatal() bool {
	return k == KindConnection || k == KindIO
}
