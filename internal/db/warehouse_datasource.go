package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go-dwh/pkg/config"
)

var (
	WarehouseDataSource *gorm.DB
	whOnce              sync.Once
	autoTables          []interface{}
)

// AutoTable registers a model for migration when the datasource initializes.
func AutoTable(table interface{}) {
	autoTables = append(autoTables, table)
}

// InitWarehouseDataSource opens the warehouse metadata database holding
// offset checkpoints, task run history and the quarantine report.
func InitWarehouseDataSource() *gorm.DB {
	cfg := config.Cnf.DataSource
	whOnce.Do(func() {
		if cfg.Type != "mysql" {
			panic("WarehouseDataSource type must be mysql")
		}
		dsn := GetMysqlDsn(cfg)
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
			Logger: logger.New(
				log.New(os.Stdout, "\r\n", log.LstdFlags),
				logger.Config{
					SlowThreshold:             2000 * time.Millisecond,
					LogLevel:                  logger.Warn,
					IgnoreRecordNotFoundError: true,
					Colorful:                  true,
				},
			),
		})
		if err != nil {
			panic(err)
		}
		if err := db.AutoMigrate(autoTables...); err != nil {
			panic(err)
		}
		WarehouseDataSource = db
	})
	return WarehouseDataSource
}

func GetMysqlDsn(cfg *config.DataSourceConfig) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	str := ""
	for k, v := range cfg.Params {
		str += fmt.Sprintf("%s=%s&", k, v)
	}
	str = strings.TrimSuffix(str, "&")
	if str != "" {
		dsn += "?" + str
	}
	return dsn
}
