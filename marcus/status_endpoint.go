package marcus

import (
	"context"
	"time"

	"github.com/marcushq/marcus/marcus/structs"
)

// StatusEndpoint serves health and project status tools.
type StatusEndpoint struct {
	srv *Server
}

type PingRequest struct {
	Echo string
}

type PingResponse struct {
	Pong    string
	Version string
	Uptime  time.Duration
	Time    time.Time
}

// Ping is the liveness probe; it touches nothing.
func (e *StatusEndpoint) Ping(args *PingRequest) *PingResponse {
	now := e.srv.now().UTC()
	return &PingResponse{
		Pong:    args.Echo,
		Version: e.srv.config.BuildVersion,
		Uptime:  now.Sub(e.srv.startedAt),
		Time:    now,
	}
}

type ProjectStatusRequest struct {
	SessionID string

	// EventLimit bounds the recent event list, default 20.
	EventLimit int
}

type ProjectStatusResponse struct {
	Project *structs.Project

	// CountsByStatus maps task status to how many tasks hold it.
	CountsByStatus map[string]int

	// ReadyTasks counts tasks eligible for assignment right now.
	ReadyTasks int

	TotalTasks int

	// Progress is done over total, 0 when the project is empty.
	Progress float64

	// Leases are the live assignments.
	Leases []*structs.Lease

	RecentEvents []*structs.Event
}

// GetProjectStatus reports the active project's shape: counts per status,
// live leases and the recent event tail. Syncs from the board first so the
// numbers reflect work done outside Marcus too.
func (e *StatusEndpoint) GetProjectStatus(ctx context.Context, args *ProjectStatusRequest) (*ProjectStatusResponse, error) {
	project, err := e.srv.activeProject(args.SessionID)
	if err != nil {
		return nil, err
	}
	if err := e.srv.syncProject(ctx, project); err != nil {
		return nil, err
	}

	tasks, err := e.srv.state.Tasks(project.ID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	done := 0
	for _, task := range tasks {
		counts[task.Status]++
		if task.Status == structs.TaskStatusDone {
			done++
		}
	}

	ready, err := e.srv.state.ReadyTasks(project.ID)
	if err != nil {
		return nil, err
	}

	leases, err := e.srv.store.ListLeases(project.ID)
	if err != nil {
		return nil, err
	}
	now := e.srv.now().UTC()
	live := leases[:0]
	for _, lease := range leases {
		if !lease.Expired(now) {
			live = append(live, lease)
		}
	}

	limit := args.EventLimit
	if limit <= 0 {
		limit = 20
	}

	resp := &ProjectStatusResponse{
		Project:        project,
		CountsByStatus: counts,
		ReadyTasks:     len(ready),
		TotalTasks:     len(tasks),
		Leases:         live,
		RecentEvents:   e.srv.events.Recent(project.ID, limit),
	}
	if len(tasks) > 0 {
		resp.Progress = float64(done) / float64(len(tasks))
	}
	return resp, nil
}
