// Package adapter normalizes the broker client: transient-error
// retries with client-side dedup, rate limiting, and a circuit breaker
// around submissions.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"oms-core/pkg/broker"
)

// ErrorKind classifies broker failures.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRateLimit
	KindTempError
	KindRejectedInvalid
	KindRejectedRisk
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindTempError:
		return "TEMP_ERROR"
	case KindRejectedInvalid:
		return "REJECTED_INVALID"
	case KindRejectedRisk:
		return "REJECTED_RISK"
	}
	return "UNKNOWN"
}

// Transient reports whether a retry could succeed.
func (k ErrorKind) Transient() bool {
	return k == KindRateLimit || k == KindTempError
}

// Classify maps a broker error onto the taxonomy by message substring.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "temporary"):
		return KindTempError
	case strings.Contains(msg, "invalid"):
		return KindRejectedInvalid
	case strings.Contains(msg, "risk"):
		return KindRejectedRisk
	}
	return KindUnknown
}

// Result is the normalized submission outcome.
type Result struct {
	Success bool
	OrderID string
	Branch  string
	Kind    ErrorKind
	Message string
}

const defaultMaxRetries = 3

// Adapter wraps a broker with retries, dedup, and a breaker.
type Adapter struct {
	broker  broker.Broker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	maxRetries int
	// backoff is injectable so tests don't sleep.
	backoff func(attempt int) time.Duration
}

// New builds an adapter. The limiter bounds total broker calls; KIS
// allows roughly 20 req/s per account, we stay under that.
func New(b broker.Broker) *Adapter {
	return &Adapter{
		broker:  b,
		limiter: rate.NewLimiter(rate.Limit(15), 15),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker-submit",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
		maxRetries: defaultMaxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}

// BreakerState exposes the submit breaker's state for health checks.
func (a *Adapter) BreakerState() string {
	return a.breaker.State().String()
}

// SupportsStopLimit proxies the underlying broker capability.
func (a *Adapter) SupportsStopLimit() bool {
	return a.broker.SupportsStopLimit()
}

// SubmitOrder places an order, retrying transient failures up to
// maxRetries with exponential backoff. Before each retry a dedup pass
// checks whether the previous attempt actually landed: the broker is
// not assumed to honor client references server-side, so a matching
// (symbol, side, qty) open order counts as our own.
func (a *Adapter) SubmitOrder(ctx context.Context, req broker.OrderRequest) Result {
	if req.Type == broker.OrderTypeStopLimit && !a.broker.SupportsStopLimit() {
		// Simulate as a plain limit at the best available price.
		px := req.Price
		if px <= 0 {
			px = req.StopPrice
		}
		log.Infof("broker lacks stop-limit, submitting %s as limit @ %.0f", req.Symbol, px)
		req.Type = broker.OrderTypeLimit
		req.Price = px
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			if r, ok := a.dedup(ctx, req); ok {
				log.Infof("dedup matched open order %s for %s, treating retry as success", r.OrderID, req.Symbol)
				return r
			}
			select {
			case <-ctx.Done():
				return Result{Kind: KindTempError, Message: ctx.Err().Error()}
			case <-time.After(a.backoff(attempt)):
			}
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return Result{Kind: KindTempError, Message: err.Error()}
		}
		out, err := a.breaker.Execute(func() (any, error) {
			return a.broker.SubmitOrder(ctx, req)
		})
		if err == nil {
			res := out.(broker.OrderResult)
			return Result{Success: true, OrderID: res.OrderID, Branch: res.Branch}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{Kind: KindTempError, Message: "broker circuit open"}
		}
		kind := Classify(err)
		if !kind.Transient() {
			return Result{Kind: kind, Message: err.Error()}
		}
		lastErr = err
		log.Warnf("submit %s %s attempt %d failed: %v", req.Side, req.Symbol, attempt+1, err)
	}
	return Result{Kind: Classify(lastErr), Message: fmt.Sprintf("retries exhausted: %v", lastErr)}
}

// dedup looks for an open order matching the request we may already
// have placed.
func (a *Adapter) dedup(ctx context.Context, req broker.OrderRequest) (Result, bool) {
	orders, err := a.broker.GetOrders(ctx)
	if err != nil {
		return Result{}, false
	}
	for _, o := range orders {
		if o.Symbol == req.Symbol && o.Side == req.Side && o.Qty == req.Qty {
			return Result{Success: true, OrderID: o.OrderID, Branch: o.Branch}, true
		}
	}
	return Result{}, false
}

// CancelOrder cancels the remaining quantity. When the branch code is
// unknown it is resolved from the open-orders list.
func (a *Adapter) CancelOrder(ctx context.Context, orderID, symbol, branch string, remainingQty int64) error {
	if branch == "" {
		orders, err := a.broker.GetOrders(ctx)
		if err != nil {
			return fmt.Errorf("resolve branch for %s: %w", orderID, err)
		}
		for _, o := range orders {
			if o.OrderID == orderID {
				branch = o.Branch
				break
			}
		}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.broker.CancelOrder(ctx, orderID, symbol, branch, remainingQty)
}

// GetOrders returns the broker's open orders.
func (a *Adapter) GetOrders(ctx context.Context) ([]broker.Order, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.broker.GetOrders(ctx)
}

// GetBalance returns positions and equity in one call.
func (a *Adapter) GetBalance(ctx context.Context) (broker.BalanceSnapshot, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return broker.BalanceSnapshot{}, err
	}
	return a.broker.GetBalance(ctx)
}

// GetBuyableCash returns the orderable cash amount.
func (a *Adapter) GetBuyableCash(ctx context.Context) (float64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return a.broker.GetBuyableCash(ctx)
}

// GetQuote returns the current quote for a symbol.
func (a *Adapter) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return broker.Quote{}, err
	}
	return a.broker.GetQuote(ctx, symbol)
}
