package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/qos"
	"github.com/talkincode/toughqos/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	// Initialize QoS slicing loop
	a.initSlicingService()

	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
		go a.SchedSlicingMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", a.SchedClearExpireData)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask host cpu and memory
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(cpuuse[0]*100)) // percentage * 100
	}

	meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", int64(meminfo.Used/1024/1024))
	}
}

// SchedProcessMonitorTask controller process cpu and memory
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("toughqos_cpuuse", int64(cpuuse*100))
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("toughqos_memuse", int64(meminfo.RSS/1024/1024))
	}
}

// SchedSlicingMonitorTask slicing loop monitor
func (a *Application) SchedSlicingMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if a.slicing == nil {
		return
	}

	connected := 0
	for _, id := range a.transport.Devices() {
		if a.transport.Connected(id) {
			connected++
		}
	}
	metrics.SetGauge("qos_wtp_connected", int64(connected))
	metrics.SetGauge("qos_wtp_reporting", int64(len(a.slicing.Snapshots())))
	metrics.SetGauge("qos_rule_table", int64(a.slicing.RuleCount()))
}

// SchedClearExpireData removes expired audit logs
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if a.slicing == nil {
		return
	}
	idays := a.appConfig.Slicing.AuditDays
	if idays == 0 {
		idays = 30
	}
	if err := a.slicing.CleanupAudit(context.Background(), idays); err != nil {
		zap.L().Error("audit cleanup failed", zap.String("namespace", "qos"), zap.Error(err))
	}
}

// initSlicingService initializes the QoS slicing control loop
func (a *Application) initSlicingService() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error("QoS slicing service initialization panic:", err)
		}
	}()

	cfg := a.appConfig.Slicing
	if !cfg.Enabled {
		zap.L().Info("QoS slicing service disabled", zap.String("namespace", "qos"))
		return
	}

	opts := qos.Options{
		SSID:                cfg.SSID,
		ActivationThreshold: cfg.ActivationThreshold,
		IndividualThreshold: cfg.IndividualThreshold,
		TotalQuantum:        cfg.TotalQuantum,
		PriorityUnits:       cfg.PriorityUnits,
		CycleDeadline:       cfg.Deadline(),
		PushWorkers:         cfg.PushWorkers,
		Bus:                 a.bus,
	}
	if a.gormDB != nil {
		opts.Audit = qos.NewGormAuditRepository(a.gormDB)
	}

	svc, err := qos.NewSlicingService(a.transport, a.sliceMgr, opts)
	if err != nil {
		zap.L().Error("QoS slicing service not created", zap.String("namespace", "qos"), zap.Error(err))
		return
	}
	a.subscribeSlicingEvents()

	if err := svc.Start(context.Background(), a.sched, cfg.Period()); err != nil {
		zap.L().Error("QoS slicing service not started", zap.String("namespace", "qos"), zap.Error(err))
		return
	}

	// Store reference for graceful shutdown
	a.slicing = svc

	zap.L().Info("QoS slicing service initialized", zap.String("namespace", "qos"))
}
