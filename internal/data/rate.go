package data

import (
	"context"
	"fmt"
	"strconv"

	"affiliate/internal/biz"
	"affiliate/internal/conf"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const globalRateKey = "affiliate:rate:global"

var fallbackRate = decimal.RequireFromString("0.05")

// rateRepository 佣金费率：商家专属费率 > Redis 全局费率 > 配置默认费率
type rateRepository struct {
	rds         *redis.Client
	defaultRate decimal.Decimal
	sellerRates map[int64]decimal.Decimal
	logger      *log.Helper
}

// NewRateRepository 创建佣金费率访问实例，配置中的费率格式错误时启动失败
func NewRateRepository(rds *redis.Client, c *conf.Affiliate, logger log.Logger) (biz.RateRepository, error) {
	r := &rateRepository{
		rds:         rds,
		defaultRate: fallbackRate,
		sellerRates: map[int64]decimal.Decimal{},
		logger:      log.NewHelper(logger),
	}
	if c == nil {
		return r, nil
	}
	if c.DefaultRate != "" {
		rate, err := decimal.NewFromString(c.DefaultRate)
		if err != nil {
			return nil, fmt.Errorf("invalid affiliate.default_rate %q: %w", c.DefaultRate, err)
		}
		r.defaultRate = rate
	}
	for seller, raw := range c.SellerRates {
		sellerID, err := strconv.ParseInt(seller, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seller id %q in affiliate.seller_rates: %w", seller, err)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q for seller %d: %w", raw, sellerID, err)
		}
		r.sellerRates[sellerID] = rate
	}
	return r, nil
}

func (r *rateRepository) CurrentRate(ctx context.Context, sellerID int64) (decimal.Decimal, error) {
	ctx, span := tracing.StartSpan(ctx, "RateRepository.CurrentRate")
	defer span.End()

	if rate, ok := r.sellerRates[sellerID]; ok {
		return rate, nil
	}

	raw, err := r.rds.Get(ctx, globalRateKey).Result()
	if err == redis.Nil {
		return r.defaultRate, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to read global rate, error: %v", err)
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Malformed global rate %q in redis, using default %s", raw, r.defaultRate.String())
		return r.defaultRate, nil
	}
	return rate, nil
}

func (r *rateRepository) SetGlobalRate(ctx context.Context, rate decimal.Decimal) error {
	ctx, span := tracing.StartSpan(ctx, "RateRepository.SetGlobalRate")
	defer span.End()

	return r.rds.Set(ctx, globalRateKey, rate.String(), 0).Err()
}
