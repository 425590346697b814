package infra

import (
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var globalDB *gorm.DB

// InitDatabase 初始化数据库连接
func InitDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: newQueryLogger(logger.Get(), 200*time.Millisecond),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	logger.Info("数据库连接成功",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
	)

	if cfg.AutoMigrate {
		if err := MigrateWorkflowSchema(db); err != nil {
			return nil, err
		}
	}

	globalDB = db
	return db, nil
}

// MigrateWorkflowSchema 迁移工作流引擎的全部表结构
func MigrateWorkflowSchema(db *gorm.DB) error {
	logger.Info("开始执行数据库自动迁移")
	if err := db.AutoMigrate(
		&workflow.WorkflowTemplate{},
		&workflow.WorkflowInstance{},
		&workflow.WorkflowAction{},
		&workflow.WorkflowAssignment{},
		&workflow.WorkflowTask{},
		&workflow.WorkflowComment{},
		&workflow.WorkflowConflict{},
		&workflow.WorkflowNotification{},
		&workflow.ActivityLog{},
		&workflow.OutboxEntry{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	logger.Info("数据库迁移完成")
	return nil
}

// GetDB 获取全局数据库实例
func GetDB() *gorm.DB {
	if globalDB == nil {
		panic("数据库未初始化，请先调用 InitDatabase()")
	}
	return globalDB
}

// CloseDatabase 关闭数据库连接
func CloseDatabase() error {
	if globalDB != nil {
		sqlDB, err := globalDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck 数据库健康检查
func HealthCheck() error {
	if globalDB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	sqlDB, err := globalDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
