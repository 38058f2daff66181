package xerr

import (
	"errors"
	"fmt"
)

// 错误码
const (
	OK                   = 200
	RequestParamsError   = 400
	RecordNotFound       = 404
	ServerCommonError    = 500
	ConnectionNotFound   = 4041
	SubscriptionNotFound = 4042
	PrivateAddress       = 4031
	BadFrame             = 4001
	RateLimited          = 4291
	DeliveryFailure      = 5031
	ConnectionClosed     = 5032
	BrokerUnavailable    = 5033
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	err  error
}

func (e *CodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.err }

// Is matches any CodeError carrying the same code, so wrapped sentinels
// compare equal with errors.Is.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap attaches a code to err. A nil err stays nil.
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, err: err}
}

// CodeOf returns the code of the first CodeError in err's chain,
// ServerCommonError for other errors and OK for nil.
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "bad request"
	case RecordNotFound:
		return "not found"
	case ConnectionNotFound:
		return "connection not found"
	case SubscriptionNotFound:
		return "subscription not found"
	case PrivateAddress:
		return "private address belongs to another connection"
	case BadFrame:
		return "malformed frame"
	case RateLimited:
		return "rate limited"
	case DeliveryFailure:
		return "delivery failed"
	case ConnectionClosed:
		return "connection closed"
	case BrokerUnavailable:
		return "broker unavailable"
	default:
		return "unknown error"
	}
}

// sentinels，配合 errors.Is 使用
var (
	ErrConnectionNotFound   = NewErrCode(ConnectionNotFound)
	ErrSubscriptionNotFound = NewErrCode(SubscriptionNotFound)
	ErrPrivateAddress       = NewErrCode(PrivateAddress)
	ErrBadFrame             = NewErrCode(BadFrame)
	ErrRateLimited          = NewErrCode(RateLimited)
	ErrDeliveryFailure      = NewErrCode(DeliveryFailure)
	ErrConnectionClosed     = NewErrCode(ConnectionClosed)
	ErrBrokerUnavailable    = NewErrCode(BrokerUnavailable)
)
