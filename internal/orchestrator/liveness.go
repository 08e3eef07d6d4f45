package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Sighthesia/interactive-choice-mcp/internal/response"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

// pidAlive is swappable in tests.
var pidAlive = func(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

// WatchAgents marks pending sessions as interrupted once the agent
// process that requested them is gone. Sessions without an agent pid are
// never touched. Blocks until ctx is done.
func (o *Orchestrator) WatchAgents(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepDeadAgents(ctx)
		}
	}
}

func (o *Orchestrator) sweepDeadAgents(ctx context.Context) {
	for _, s := range o.registry.Snapshot() {
		if s.Status.Terminal() || s.AgentPID <= 0 {
			continue
		}
		alive, err := pidAlive(ctx, s.AgentPID)
		if err != nil || alive {
			continue
		}
		if _, won := o.registry.Transition(s.ID, session.StatusInterrupted, response.Interrupted()); won {
			log.Printf("session %s interrupted: agent pid %d is gone", s.ID[:8], s.AgentPID)
		}
	}
}
