package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/talkincode/toughqos/config"
	"github.com/talkincode/toughqos/internal/domain"
	"github.com/talkincode/toughqos/internal/qos"
	"github.com/talkincode/toughqos/internal/qos/clients"
	"github.com/talkincode/toughqos/pkg/metrics"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus
	transport clients.DeviceTransport
	sliceMgr  *clients.BoltSliceManager
	slicing   *qos.SlicingService
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ SlicingProvider   = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig, bus: EventBus.New()}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

// DB returns the audit database, nil when auditing is disabled
func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// OverrideTransport replaces the WTP transport before Init (used in tests).
func (a *Application) OverrideTransport(t clients.DeviceTransport) {
	a.transport = t
}

func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.OutputPaths = []string{"stdout"}
	if cfg.Logger.FileEnable {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.Logger.Filename)
	}

	var logger *zap.Logger
	var err error
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	if err := cfg.InitDirs(); err != nil {
		zap.S().Warn("Failed to create work dirs:", err)
	}

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	// The audit database is optional
	if cfg.Database.Type != "none" && a.gormDB == nil {
		if cfg.Database.Type == "" {
			cfg.Database.Type = "postgres"
		}
		a.gormDB, err = getDatabase(cfg.Database)
		if err != nil {
			zap.S().Errorf("database connection failed, audit disabled: %v", err)
		} else {
			zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
			if err := a.MigrateDB(false); err != nil {
				zap.S().Errorf("database migration failed: %v", err)
			}
		}
	}

	a.sliceMgr, err = clients.NewBoltSliceManager(cfg.GetSliceDBPath())
	if err != nil {
		return err
	}
	if err := a.checkDefaultSlice(context.Background()); err != nil {
		zap.S().Errorf("default slice check failed: %v", err)
	}

	if a.transport == nil {
		a.transport, err = clients.NewNATSTransport(clients.NATSConfig{
			URL:        cfg.Nats.URL,
			Prefix:     cfg.Nats.Prefix,
			PendingTTL: time.Duration(cfg.Nats.PendingTTL) * time.Second,
		})
		if err != nil {
			return err
		}
	}

	a.initJob()
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	if a.gormDB == nil {
		return fmt.Errorf("audit database not configured")
	}
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	if a.gormDB != nil {
		_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

// Slicing returns the slicing control loop, nil before Init
func (a *Application) Slicing() *qos.SlicingService {
	return a.slicing
}

// Bus returns the application event bus
func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}

	if a.slicing != nil {
		a.slicing.Stop()
	}

	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			zap.L().Warn("error closing WTP transport", zap.Error(err))
		}
	}

	if a.sliceMgr != nil {
		_ = a.sliceMgr.Close()
	}

	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	_ = metrics.Close()
	_ = zap.L().Sync()
}
