// Package paywall simulates the x402 payment-required flow for paid crews.
package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gigcrew/internal/logging"
	"gigcrew/internal/redis"
)

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	// SentinelPayload is the only payload accepted in strict mode.
	SentinelPayload = "dummy_signed_payload"

	DefaultFreePerWeek = 3
	DefaultPrice       = "$0.50"
)

var (
	ErrPaymentRequired = errors.New("payment required")
	ErrPaymentFailed   = errors.New("payment failed after retry")
)

// Result mirrors the simulated backend's reply.
type Result struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// Simulate answers a request carrying header as the payment header value.
// Only the sentinel payload is verified.
func Simulate(header string) Result {
	if header == SentinelPayload {
		return Result{StatusCode: http.StatusOK, Message: "Payment Verified"}
	}
	return Result{StatusCode: http.StatusPaymentRequired, Message: "Payment Required"}
}

// SimulateLax verifies any non-empty header.
func SimulateLax(header string) Result {
	if header != "" {
		return Result{StatusCode: http.StatusOK, Message: "Payment Verified"}
	}
	return Result{StatusCode: http.StatusPaymentRequired, Message: "Payment Required"}
}

// Challenge is the 402 body telling the client how to pay.
type Challenge struct {
	Error       string `json:"error"`
	Price       string `json:"price"`
	Header      string `json:"header"`
	FreePerWeek int    `json:"free_per_week"`
	Used        int64  `json:"used"`
}

// Receipt is returned base64-encoded in X-PAYMENT-RESPONSE.
type Receipt struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Amount  string `json:"amount,omitempty"`
	Remain  int64  `json:"free_remaining"`
}

type Options struct {
	FreePerWeek int
	Price       string
	// AcceptAnyPayload accepts any non-empty payment header.
	AcceptAnyPayload bool
	Cache            *redis.Client
	Logger           *zap.Logger
	Now              func() time.Time
}

// Paywall meters free runs per client per ISO week and demands payment beyond them.
type Paywall struct {
	freePerWeek int
	price       string
	acceptAny   bool
	cache       *redis.Client
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	counts map[string]int64
}

func New(opts Options) *Paywall {
	if opts.FreePerWeek < 0 {
		opts.FreePerWeek = 0
	}
	if opts.Price == "" {
		opts.Price = DefaultPrice
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Paywall{
		freePerWeek: opts.FreePerWeek,
		price:       opts.Price,
		acceptAny:   opts.AcceptAnyPayload,
		cache:       opts.Cache,
		logger:      logging.OrNop(opts.Logger),
		now:         opts.Now,
		counts:      make(map[string]int64),
	}
}

// Price reports the configured price label.
func (p *Paywall) Price() string { return p.price }

// VerifyPayment checks a payment header value.
func (p *Paywall) VerifyPayment(payload string) bool {
	payload = strings.TrimSpace(payload)
	simulate := Simulate
	if p.acceptAny {
		simulate = SimulateLax
	}
	return simulate(payload).StatusCode == http.StatusOK
}

// Middleware admits clientID's request when a free slot remains or a valid payment is attached.
// clientID extracts the caller's identity from the request.
func (p *Paywall) Middleware(clientID func(*gin.Context) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientID(c)
		if !ok || id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		ctx := c.Request.Context()
		key := p.quotaKey(id)

		if payload := c.GetHeader(HeaderPayment); payload != "" {
			if !p.VerifyPayment(payload) {
				p.logger.Info("payment rejected", zap.String("client", id))
				p.challenge(c, ctx, key, "invalid payment payload")
				return
			}
			p.logger.Info("payment verified", zap.String("client", id), zap.String("price", p.price))
			p.setReceipt(c, Receipt{Success: true, Kind: "payment", Amount: p.price, Remain: 0})
			c.Next()
			return
		}

		used, err := p.incr(ctx, key)
		if err != nil {
			p.logger.Warn("quota counter failed", zap.String("client", id), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "quota unavailable"})
			return
		}
		if used > int64(p.freePerWeek) {
			p.decr(ctx, key)
			p.challenge(c, ctx, key, ErrPaymentRequired.Error())
			return
		}
		p.setReceipt(c, Receipt{Success: true, Kind: "free", Remain: int64(p.freePerWeek) - used})
		c.Next()
		// refund the slot when the paid work itself failed
		if c.Writer.Status() >= http.StatusBadRequest && c.Writer.Status() != http.StatusPaymentRequired {
			p.decr(context.WithoutCancel(ctx), key)
		}
	}
}

func (p *Paywall) challenge(c *gin.Context, ctx context.Context, key, reason string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, Challenge{
		Error:       reason,
		Price:       p.price,
		Header:      HeaderPayment,
		FreePerWeek: p.freePerWeek,
		Used:        p.used(ctx, key),
	})
}

func (p *Paywall) setReceipt(c *gin.Context, r Receipt) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.Header(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(data))
}

// quotaKey buckets usage by ISO week so the free allowance resets every Monday.
func (p *Paywall) quotaKey(clientID string) string {
	year, week := p.now().UTC().ISOWeek()
	return fmt.Sprintf("paywall:%s:%d-W%02d", clientID, year, week)
}

func (p *Paywall) incr(ctx context.Context, key string) (int64, error) {
	if p.cache != nil {
		return p.cache.Incr(ctx, key, 8*24*time.Hour)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]++
	return p.counts[key], nil
}

func (p *Paywall) decr(ctx context.Context, key string) {
	if p.cache != nil {
		if err := p.cache.Decr(ctx, key); err != nil {
			p.logger.Warn("quota refund failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[key] > 0 {
		p.counts[key]--
	}
}

func (p *Paywall) used(ctx context.Context, key string) int64 {
	if p.cache != nil {
		v, err := p.cache.Get(ctx, key)
		if err != nil {
			return 0
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key]
}
