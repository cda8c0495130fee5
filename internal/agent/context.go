package agent

import "context"

type contextKey struct{}

// WithAgent 将认证通过的智能体写入上下文。
func WithAgent(ctx context.Context, a *Agent) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext 读取上下文中的智能体。未经过认证的请求返回 false。
func FromContext(ctx context.Context) (*Agent, bool) {
	if ctx == nil {
		return nil, false
	}
	a, ok := ctx.Value(contextKey{}).(*Agent)
	if !ok || a == nil {
		return nil, false
	}
	return a, true
}
