package marcus

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/marcushq/marcus/marcus/structs"
)

// silentAgentFactor times the average live lease duration is how long an
// agent may go without any tool call before its leases are reclaimed early.
// A crashed agent stops renewing and stops calling; waiting out a long
// lease for it just stalls the project.
const silentAgentFactor = 2

// LeaseMonitor periodically reclaims work from agents that disappeared:
// leases past expiry, and leases held by agents silent for far longer than
// the work should take. Reclaimed tasks go back to TODO on the board and in
// local state so the scheduler can hand them out again.
type LeaseMonitor struct {
	logger   hclog.Logger
	srv      *Server
	interval time.Duration

	now func() time.Time
}

// NewLeaseMonitor constructs the monitor; Run starts it.
func NewLeaseMonitor(logger hclog.Logger, srv *Server, interval time.Duration) *LeaseMonitor {
	return &LeaseMonitor{
		logger:   logger.Named("lease_monitor"),
		srv:      srv,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until stopCh closes.
func (m *LeaseMonitor) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap runs one reclamation pass.
func (m *LeaseMonitor) reap() {
	defer metrics.MeasureSince([]string{"marcus", "lease_monitor", "reap"}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	now := m.now().UTC()

	expired, err := m.srv.store.ListExpired(now)
	if err != nil {
		m.logger.Error("expired lease listing failed", "error", err)
		return
	}
	for _, lease := range expired {
		m.reclaim(ctx, lease, "lease expired")
	}

	for _, lease := range m.silentAgentLeases(now) {
		m.reclaim(ctx, lease, "agent silent")
	}
}

// silentAgentLeases returns live leases held by agents that have not called
// any tool for silentAgentFactor times the average live lease duration.
func (m *LeaseMonitor) silentAgentLeases(now time.Time) []*structs.Lease {
	projects, err := m.srv.store.ListProjects()
	if err != nil {
		m.logger.Error("project listing failed", "error", err)
		return nil
	}

	var live []*structs.Lease
	var total time.Duration
	for _, project := range projects {
		leases, err := m.srv.store.ListLeases(project.ID)
		if err != nil {
			continue
		}
		for _, lease := range leases {
			if !lease.Expired(now) {
				live = append(live, lease)
				total += lease.ExpiresAt.Sub(lease.GrantedAt)
			}
		}
	}
	if len(live) == 0 {
		return nil
	}
	cutoff := silentAgentFactor * time.Duration(int64(total)/int64(len(live)))

	var silent []*structs.Lease
	for _, lease := range live {
		agent, err := m.srv.store.GetAgent(lease.AgentID)
		if err != nil {
			// Unknown holder: nobody can renew this lease, reclaim it.
			silent = append(silent, lease)
			continue
		}
		if now.Sub(agent.LastSeenAt) > cutoff {
			silent = append(silent, lease)
		}
	}
	return silent
}

// reclaim releases the lease and pushes the task back to TODO everywhere.
// Board failures are logged and left for the next pass; the store release
// already guarantees no double assignment.
func (m *LeaseMonitor) reclaim(ctx context.Context, lease *structs.Lease, why string) {
	logger := m.logger.With("project_id", lease.ProjectID, "task_id", lease.TaskID,
		"agent_id", lease.AgentID)

	if err := m.srv.store.Release(lease.ProjectID, lease.TaskID, structs.ReleaseReasonExpired); err != nil {
		logger.Error("lease release failed", "error", err)
		return
	}

	project, err := m.srv.store.GetProject(lease.ProjectID)
	if err == nil {
		board, berr := m.srv.boardFor(project)
		if berr == nil {
			if err := board.UnassignTask(ctx, lease.ProjectID, lease.TaskID); err != nil {
				logger.Warn("board unassign failed, will retry next pass", "error", err)
			} else if err := board.UpdateStatus(ctx, lease.ProjectID, lease.TaskID, structs.TaskStatusTodo); err != nil {
				logger.Warn("board status reset failed", "error", err)
			}
		}
	}

	if task, terr := m.srv.state.TaskByID(lease.ProjectID, lease.TaskID); terr == nil {
		task.Status = structs.TaskStatusTodo
		task.Assignee = ""
		task.StartedAt = nil
		index, ierr := m.srv.state.LatestIndex()
		if ierr == nil {
			if err := m.srv.state.UpsertTask(index+1, task); err != nil {
				logger.Error("state reset failed", "error", err)
			}
		}
	}

	m.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskReclaimed,
		ProjectID: lease.ProjectID,
		TaskID:    lease.TaskID,
		AgentID:   lease.AgentID,
		Details:   why,
	})
	metrics.IncrCounter([]string{"marcus", "lease_monitor", "reclaimed"}, 1)
	logger.Info("task reclaimed", "reason", why)
}
