// Package limits provides admission control for the real-time endpoint.
// The guard enforces a static connection cap plus CPU/memory safety valves
// so an overloaded gateway sheds new connections instead of degrading every
// existing one.
package limits

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taskstream/gateway/internal/logging"
)

// GuardConfig holds the static limits.
type GuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent, 0 disables the check
	MemRejectThreshold float64 // percent, 0 disables the check
}

// Guard samples system resources on an interval and answers the single
// question the upgrade path asks: should this connection be accepted.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	currentCPU atomic.Value // float64, percent
	currentMem atomic.Value // float64, percent

	// currentConns points at the hub's live connection counter.
	currentConns *int64
}

func NewGuard(cfg GuardConfig, logger zerolog.Logger, currentConns *int64) *Guard {
	g := &Guard{
		cfg:          cfg,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		currentConns: currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMem.Store(0.0)
	return g
}

// StartMonitoring launches the sampling loop. It stops when ctx is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		defer logging.RecoverPanic(g.logger, "resourceGuardSampler", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

// ShouldAccept reports whether a new connection may be admitted, with a
// reason when it may not.
func (g *Guard) ShouldAccept() (bool, string) {
	conns := atomic.LoadInt64(g.currentConns)
	if g.cfg.MaxConnections > 0 && conns >= int64(g.cfg.MaxConnections) {
		return false, fmt.Sprintf("connection limit reached (%d/%d)", conns, g.cfg.MaxConnections)
	}

	if g.cfg.CPURejectThreshold > 0 {
		if cpuPct := g.currentCPU.Load().(float64); cpuPct >= g.cfg.CPURejectThreshold {
			return false, fmt.Sprintf("CPU above reject threshold (%.1f%% >= %.1f%%)", cpuPct, g.cfg.CPURejectThreshold)
		}
	}

	if g.cfg.MemRejectThreshold > 0 {
		if memPct := g.currentMem.Load().(float64); memPct >= g.cfg.MemRejectThreshold {
			return false, fmt.Sprintf("memory above reject threshold (%.1f%% >= %.1f%%)", memPct, g.cfg.MemRejectThreshold)
		}
	}

	return true, ""
}

// CPUPercent returns the last sampled CPU usage.
func (g *Guard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// MemPercent returns the last sampled memory usage.
func (g *Guard) MemPercent() float64 {
	return g.currentMem.Load().(float64)
}

func (g *Guard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMem.Store(vm.UsedPercent)
	} else {
		g.logger.Debug().Err(err).Msg("Memory sample failed")
	}
}
