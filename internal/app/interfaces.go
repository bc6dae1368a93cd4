package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/talkincode/toughqos/config"
	"github.com/talkincode/toughqos/internal/qos"
)

// DBProvider provides audit database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// SlicingProvider provides access to the QoS slicing control loop
type SlicingProvider interface {
	Slicing() *qos.SlicingService
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	SlicingProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	DropAll()
	// RunSlicingNow starts a polling cycle immediately
	RunSlicingNow(ctx context.Context) error
}
