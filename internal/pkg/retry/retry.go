package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxTriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxTriesExceeded = errors.New("max retries exceeded")
)

// Policy はリトライとタイムアウトの挙動を表す設定値です
// インラインの制御フローではなく値として持つことで、呼び出し側から独立して
// テストできます
type Policy struct {
	// MaxTries は試行回数の上限（初回を含む）
	MaxTries int

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff time.Duration

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff time.Duration

	// Timeout は1回の試行あたりのデッドライン（0の場合は無制限）
	Timeout time.Duration

	// Jitter はバックオフ時間に加えるゆらぎの割合（0.0〜1.0）
	Jitter float64
}

// DefaultPolicy はネットワーク境界呼び出しのデフォルトポリシーを返します
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:    3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  32 * time.Second,
		Timeout:     60 * time.Second,
		Jitter:      0.2,
	}
}

// TransientError は一時的な失敗を表します
// RetryAfterが設定されている場合、計算されたバックオフよりも優先されます
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient はエラーを一時的な失敗として包みます
func Transient(err error) error {
	return &TransientError{Err: err}
}

// TransientAfter は上流から指示された待機時間付きの一時的な失敗を包みます
func TransientAfter(err error, retryAfter time.Duration) error {
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// Do はポリシーに従ってopをリトライ付きで実行します
// 各試行はPolicy.Timeoutのデッドライン付きコンテキストで実行され、
// デッドライン超過は一時的な失敗として扱われます
// TransientError以外のエラーは恒久的な失敗としてそのまま返します
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxTries <= 0 {
		p.MaxTries = 1
	}

	var lastErr error

	for attempt := 1; attempt <= p.MaxTries; attempt++ {
		if attempt > 1 {
			wait := p.backoff(attempt, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := p.runOnce(ctx, op)
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("%w after %d tries: %v", ErrMaxTriesExceeded, p.MaxTries, lastErr)
}

// runOnce は1回の試行をデッドライン付きで実行します
func (p Policy) runOnce(ctx context.Context, op func(ctx context.Context) error) error {
	tryCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		tryCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	err := op(tryCtx)
	if err == nil {
		return nil
	}

	// 試行単体のデッドライン超過はリトライ対象
	// 親コンテキストの終了はそのまま伝播させる
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Transient(err)
	}

	return err
}

// backoff は次の試行までの待機時間を計算します
func (p Policy) backoff(attempt int, lastErr error) time.Duration {
	var te *TransientError
	if errors.As(lastErr, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}

	wait := time.Duration(math.Pow(2, float64(attempt-2))) * p.BaseBackoff
	if wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}

	if p.Jitter > 0 {
		delta := float64(wait) * p.Jitter
		wait = time.Duration(float64(wait) - delta + rand.Float64()*2*delta)
	}

	return wait
}

// isRetryable はエラーがリトライ対象かどうかを判定します
func isRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
