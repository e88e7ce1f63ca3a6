package snowflake

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/go-kratos/kratos/v2/log"
)

// Config 雪花算法配置
type Config struct {
	NodeID int64 // 节点ID (0-1023)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{NodeID: 1}
}

// Generator 雪花ID生成器，所有实体主键均由它分配
type Generator struct {
	node *snowflake.Node
	log  *log.Helper
}

// NewGenerator 创建雪花ID生成器，环境变量 SNOWFLAKE_NODE_ID 优先于配置
func NewGenerator(config *Config, logger log.Logger) (*Generator, error) {
	if config == nil {
		config = DefaultConfig()
	}

	nodeID := config.NodeID
	if envNodeID := os.Getenv("SNOWFLAKE_NODE_ID"); envNodeID != "" {
		if parsed, err := strconv.ParseInt(envNodeID, 10, 64); err == nil {
			nodeID = parsed
		}
	}

	if nodeID < 0 || nodeID > 1023 {
		return nil, fmt.Errorf("node ID must be between 0 and 1023, got: %d", nodeID)
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	helper := log.NewHelper(logger)
	helper.Infof("Snowflake generator initialized with node ID: %d", nodeID)

	return &Generator{node: node, log: helper}, nil
}

// NextID 生成新的雪花ID
func (g *Generator) NextID() int64 {
	return g.node.Generate().Int64()
}

// ParseID 解析雪花ID（用于排查问题）
func ParseID(id int64) (nodeID int64, sequence int64, timestamp int64) {
	sfID := snowflake.ParseInt64(id)
	return sfID.Node(), sfID.Step(), sfID.Time()
}
