package notifier

import (
	"errors"
	"fmt"
)

// Kind は準備処理の失敗の種類。
type Kind int

const (
	// KindInvalidArgument は通知が別のアプリ宛て、または件名パラメータが欠けていることを表す。
	KindInvalidArgument Kind = iota + 1
	// KindAlreadyProcessed は通知が古くなり、破棄すべきことを表す。
	KindAlreadyProcessed
	// KindServiceUnavailable は依存サービスの一時的な障害を表す。
	KindServiceUnavailable
)

// String はKindの名前を返す。
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindAlreadyProcessed:
		return "already processed"
	case KindServiceUnavailable:
		return "service unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

var (
	// ErrInvalidArgument は Kind が KindInvalidArgument のエラーに一致する。
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyProcessed は Kind が KindAlreadyProcessed のエラーに一致する。
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrServiceUnavailable は Kind が KindServiceUnavailable のエラーに一致する。
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrNotFound はファイルやユーザーが存在しないことを表す。外部サービスの実装が返す。
	ErrNotFound = errors.New("not found")
)

// Error は準備処理のエラー。errors.Is で種類ごとの番兵エラーと比較できる。
type Error struct {
	Kind Kind
	// Op は失敗した操作名。
	Op string
	// Err は原因のエラー。nilでもよい。
	Err error
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is はtargetがKindに対応する番兵エラーかどうかを返す。
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindInvalidArgument:
		return target == ErrInvalidArgument
	case KindAlreadyProcessed:
		return target == ErrAlreadyProcessed
	case KindServiceUnavailable:
		return target == ErrServiceUnavailable
	}
	return false
}

func invalidArgument(op string, err error) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Err: err}
}

func alreadyProcessed(op string, err error) error {
	return &Error{Kind: KindAlreadyProcessed, Op: op, Err: err}
}

func serviceUnavailable(op string, err error) error {
	return &Error{Kind: KindServiceUnavailable, Op: op, Err: err}
}
