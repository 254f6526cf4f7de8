package transport

import (
	"context"
	"time"

	"github.com/Cypherspark/signalerr/internal/metrics"
	"golang.org/x/time/rate"
)

// Limited throttles outbound sends through a token bucket shared by every
// caller in the process and records send outcomes.
type Limited struct {
	Transport
	limiter *rate.Limiter
}

func NewLimited(t Transport, qps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{Transport: t, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (l *Limited) Send(ctx context.Context, to Target, text string) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		metrics.SendTotal.WithLabelValues("failed").Inc()
		return err
	}
	err := l.Transport.Send(ctx, to, text)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.SendTotal.WithLabelValues("sent").Inc()
	return nil
}
