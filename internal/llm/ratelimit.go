package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// limited spaces calls to the wrapped client. Bursts are not allowed: each
// request waits for its own token.
type limited struct {
	Client
	lim *rate.Limiter
}

func withRateLimit(c Client, perMinute float64) Client {
	if perMinute <= 0 {
		return c
	}
	every := time.Duration(float64(time.Minute) / perMinute)
	return &limited{Client: c, lim: rate.NewLimiter(rate.Every(every), 1)}
}

func (l *limited) Generate(ctx context.Context, req Request) (Response, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}
	return l.Client.Generate(ctx, req)
}
