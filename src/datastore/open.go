package datastore

import (
	"context"
	"fmt"

	"github.com/nhirsama/Goster-GPS/src/config"
	"github.com/nhirsama/Goster-GPS/src/inter"
)

// Open 根据配置选择存储后端
// driver 为 none 时返回 nil，调用方不启用落库
func Open(ctx context.Context, cfg config.StoreConfig) (inter.TrackStore, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("不支持的存储后端: %q", cfg.Driver)
	}
}
