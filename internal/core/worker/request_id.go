package worker

import "context"

type requestIDKey struct{}

// WithRequestID はトリガー元のリクエストIDをコンテキストへ載せます
// ワーカーのログ行へ伝播され、HTTPトリガーと処理結果を突き合わせられます
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom はコンテキストからリクエストIDを取り出します
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
