package data

import (
	"context"

	"affiliate/internal/biz"
	"affiliate/internal/conf"
	"affiliate/internal/pkg/snowflake"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewDB,
	NewRedis,
	NewTransaction,
	NewIDGenerator,
	NewLinkRepository,
	NewClickRepository,
	NewCommissionRepository,
	NewPointTransactionRepository,
	NewOutboxRepository,
	NewOrderRepository,
	NewUserDirectory,
	NewRateRepository,
	NewRedisLocker,
	NewEventPublisher,
)

// Data .
type Data struct {
	rds *redis.Client
	db  *gorm.DB
}

// NewData .
func NewData(c *conf.Data, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	// 初始化Redis客户端
	opts := &redis.Options{
		Network:  c.Redis.Network,
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
	if d := c.Redis.ReadTimeout.AsDuration(); d > 0 {
		opts.ReadTimeout = d
	}
	if d := c.Redis.WriteTimeout.AsDuration(); d > 0 {
		opts.WriteTimeout = d
	}
	rds := redis.NewClient(opts)

	if _, err := rds.Ping(context.Background()).Result(); err != nil {
		helper.Errorf("Failed to connect to Redis: %v", err)
		return nil, nil, err
	}

	// TranslateError 将唯一键冲突转换为 gorm.ErrDuplicatedKey，业务层据此判断并发冲突
	db, err := gorm.Open(mysql.Open(c.Database.Source), &gorm.Config{TranslateError: true})
	if err != nil {
		helper.Errorf("Failed to connect to MySQL: %v", err)
		return nil, nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		helper.Errorf("Failed to get underlying SQL DB: %v", err)
		return nil, nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		helper.Errorf("Failed to ping MySQL: %v", err)
		return nil, nil, err
	}

	if c.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			helper.Errorf("Failed to migrate affiliate tables: %v", err)
			return nil, nil, err
		}
	}

	d := &Data{
		rds: rds,
		db:  db,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		_ = rds.Close()
		_ = sqlDB.Close()
	}
	return d, cleanup, nil
}

// migrate 只迁移本服务拥有的表，orders 与 users 属于外部子系统
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&biz.AffiliateLink{},
		&biz.Click{},
		&biz.AffiliateOrder{},
		&biz.PointTransaction{},
		&biz.OutboxEvent{},
	)
}

// NewDB 返回MySQL数据库客户端
func NewDB(d *Data) *gorm.DB {
	return d.db
}

// NewRedis 返回Redis客户端
func NewRedis(d *Data) *redis.Client {
	return d.rds
}

// NewIDGenerator 创建实体主键生成器
func NewIDGenerator(c *conf.Snowflake, logger log.Logger) (biz.IDGenerator, error) {
	cfg := snowflake.DefaultConfig()
	if c != nil {
		cfg.NodeID = c.NodeID
	}
	g, err := snowflake.NewGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return g, nil
}

type txKey struct{}

type transaction struct {
	db *gorm.DB
}

// NewTransaction 创建数据库事务管理器
func NewTransaction(db *gorm.DB) biz.Transaction {
	return &transaction{db: db}
}

// InTx 在事务中执行 fn，ctx 已处于事务中时复用该事务
func (t *transaction) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// dbFrom 返回 ctx 中的事务，不在事务中时返回 db
func dbFrom(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
