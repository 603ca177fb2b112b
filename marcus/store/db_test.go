package store

import (
	"testing"
	"time"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/helper/uuid"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

// testDB runs a test case against every StateDB implementation.
func testDB(t *testing.T, f func(*testing.T, StateDB)) {
	boltdb, err := NewBoltStateDB(testlog.HCLogger(t), t.TempDir())
	must.NoError(t, err)
	t.Cleanup(func() { boltdb.Close() })

	impls := []StateDB{boltdb, NewMemStateDB()}
	for _, db := range impls {
		db := db
		t.Run(db.Name(), func(t *testing.T) {
			f(t, db)
		})
	}
}

func TestStateDB_ClaimConflict(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		lease, err := db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
		must.NoError(t, err)
		must.Eq(t, "agent-1", lease.AgentID)
		must.Eq(t, uint64(1), lease.Generation)

		// Second claim on the same task loses.
		_, err = db.TryClaim("p1", "t1", "agent-2", 1, time.Hour, now)
		must.ErrorIs(t, err, structs.ErrLeaseConflict)

		got, err := db.GetLease("p1", "t1")
		must.NoError(t, err)
		must.Eq(t, "agent-1", got.AgentID)
	})
}

func TestStateDB_ClaimCapacity(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		_, err := db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
		must.NoError(t, err)

		// A second task for the same agent exceeds capacity 1, even in
		// another project.
		_, err = db.TryClaim("p2", "t9", "agent-1", 1, time.Hour, now)
		must.Error(t, err)
		must.True(t, structs.IsCode(err, structs.ErrCodeTaskLeaseConflict))

		// Capacity 2 admits it.
		_, err = db.TryClaim("p2", "t9", "agent-1", 2, time.Hour, now)
		must.NoError(t, err)
	})
}

func TestStateDB_ExpiredLeaseOverwritten(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		_, err := db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
		must.NoError(t, err)

		// After expiry the slot is free and the stale holder no longer
		// counts against capacity.
		later := now.Add(2 * time.Hour)
		lease, err := db.TryClaim("p1", "t1", "agent-2", 1, time.Hour, later)
		must.NoError(t, err)
		must.Eq(t, "agent-2", lease.AgentID)
		must.Eq(t, uint64(2), lease.Generation)
	})
}

func TestStateDB_ListExpired(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		_, err := db.TryClaim("p1", "t1", "agent-1", 2, time.Hour, now)
		must.NoError(t, err)
		_, err = db.TryClaim("p2", "t2", "agent-1", 2, 3*time.Hour, now)
		must.NoError(t, err)

		expired, err := db.ListExpired(now.Add(2 * time.Hour))
		must.NoError(t, err)
		must.Len(t, 1, expired)
		must.Eq(t, "t1", expired[0].TaskID)
	})
}

func TestStateDB_RenewHolderOnly(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		_, err := db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
		must.NoError(t, err)

		_, err = db.Renew("p1", "t1", "agent-2", now.Add(2*time.Hour))
		must.Error(t, err)
		must.True(t, structs.IsCode(err, structs.ErrCodeNotTaskOwner))

		lease, err := db.Renew("p1", "t1", "agent-1", now.Add(2*time.Hour))
		must.NoError(t, err)
		must.Eq(t, 1, lease.RenewedCount)
		must.Eq(t, now.Add(2*time.Hour), lease.ExpiresAt)

		_, err = db.Renew("p1", "missing", "agent-1", now.Add(2*time.Hour))
		must.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStateDB_ReleaseIdempotent(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		_, err := db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
		must.NoError(t, err)

		must.NoError(t, db.Release("p1", "t1", structs.ReleaseReasonCompleted))
		must.NoError(t, db.Release("p1", "t1", structs.ReleaseReasonCompleted))
		must.NoError(t, db.Release("p1", "never-existed", structs.ReleaseReasonExpired))

		_, err = db.GetLease("p1", "t1")
		must.ErrorIs(t, err, ErrNotFound)

		// The generation counter survives a release.
		generation, err := db.Generation("p1")
		must.NoError(t, err)
		must.Eq(t, uint64(1), generation)
	})
}

func TestStateDB_ListLeasesOrdered(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		for i, task := range []string{"t3", "t1", "t2"} {
			_, err := db.TryClaim("p1", task, "agent-1", 3, time.Hour, now.Add(time.Duration(i)*time.Second))
			must.NoError(t, err)
		}

		leases, err := db.ListLeases("p1")
		must.NoError(t, err)
		must.Len(t, 3, leases)
		must.Eq(t, "t3", leases[0].TaskID)
		must.Eq(t, "t1", leases[1].TaskID)
		must.Eq(t, "t2", leases[2].TaskID)
	})
}

func TestStateDB_Agents(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		agent := &structs.Agent{
			ID:       "agent-1",
			Name:     "builder",
			Role:     "backend",
			Skills:   []string{"go"},
			Capacity: 1,
		}
		must.NoError(t, db.PutAgent(agent))

		got, err := db.GetAgent("agent-1")
		must.NoError(t, err)
		must.Eq(t, agent, got)

		agents, err := db.ListAgents()
		must.NoError(t, err)
		must.Len(t, 1, agents)

		must.NoError(t, db.DeleteAgent("agent-1"))
		_, err = db.GetAgent("agent-1")
		must.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStateDB_ProjectsAndSessions(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		project := &structs.Project{
			ID:       "p1",
			Name:     "demo",
			Provider: "memory",
			ProviderConfig: map[string]string{
				"board": "b1",
			},
		}
		must.NoError(t, db.PutProject(project))

		got, err := db.GetProject("p1")
		must.NoError(t, err)
		must.Eq(t, project, got)

		must.NoError(t, db.SetActiveProject("session-1", "p1"))
		active, err := db.GetActiveProject("session-1")
		must.NoError(t, err)
		must.Eq(t, "p1", active)

		_, err = db.GetActiveProject("session-2")
		must.ErrorIs(t, err, ErrNotFound)

		// Deleting the project clears sessions pointing at it.
		must.NoError(t, db.DeleteProject("p1"))
		_, err = db.GetProject("p1")
		must.ErrorIs(t, err, ErrNotFound)
		_, err = db.GetActiveProject("session-1")
		must.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStateDB_DecisionsAppendOrder(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()
		for i, what := range []string{"use jwt", "drop sessions", "add refresh"} {
			taskID := "t1"
			if i == 1 {
				taskID = "t2"
			}
			must.NoError(t, db.AppendDecision(&structs.Decision{
				ID:        uuid.Generate(),
				ProjectID: "p1",
				TaskID:    taskID,
				AgentID:   "agent-1",
				Timestamp: now,
				What:      what,
			}))
		}

		all, err := db.Decisions("p1")
		must.NoError(t, err)
		must.Len(t, 3, all)
		must.Eq(t, "use jwt", all[0].What)
		must.Eq(t, "add refresh", all[2].What)

		byTask, err := db.DecisionsByTask("p1", "t1")
		must.NoError(t, err)
		must.Len(t, 2, byTask)
		must.Eq(t, "use jwt", byTask[0].What)
		must.Eq(t, "add refresh", byTask[1].What)
	})
}

func TestStateDB_ArtifactByFilename(t *testing.T) {
	ci.Parallel(t)
	testDB(t, func(t *testing.T, db StateDB) {
		now := time.Now().UTC()

		for _, desc := range []string{"v1", "v2"} {
			must.NoError(t, db.PutArtifact(&structs.Artifact{
				ID:          uuid.Generate(),
				ProjectID:   "p1",
				TaskID:      "t1",
				AgentID:     "agent-1",
				Timestamp:   now,
				Filename:    "auth-api.md",
				Type:        structs.ArtifactTypeAPI,
				Description: desc,
			}))
		}

		// Re-logging a filename returns the newest version.
		got, err := db.ArtifactByFilename("p1", "t1", "auth-api.md")
		must.NoError(t, err)
		must.Eq(t, "v2", got.Description)

		all, err := db.ArtifactsByTask("p1", "t1")
		must.NoError(t, err)
		must.Len(t, 2, all)

		_, err = db.ArtifactByFilename("p1", "t1", "missing.md")
		must.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBoltStateDB_PersistsAcrossReopen(t *testing.T) {
	ci.Parallel(t)
	dir := t.TempDir()
	now := time.Now().UTC()

	db, err := NewBoltStateDB(testlog.HCLogger(t), dir)
	must.NoError(t, err)
	_, err = db.TryClaim("p1", "t1", "agent-1", 1, time.Hour, now)
	must.NoError(t, err)
	must.NoError(t, db.PutAgent(&structs.Agent{ID: "agent-1", Capacity: 1}))
	must.NoError(t, db.Close())

	db, err = NewBoltStateDB(testlog.HCLogger(t), dir)
	must.NoError(t, err)
	defer db.Close()

	lease, err := db.GetLease("p1", "t1")
	must.NoError(t, err)
	must.Eq(t, "agent-1", lease.AgentID)
	_, err = db.GetAgent("agent-1")
	must.NoError(t, err)
}
