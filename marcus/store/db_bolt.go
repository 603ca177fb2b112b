package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/marcushq/marcus/marcus/structs"
	bolt "go.etcd.io/bbolt"
)

/*
The bolt database schema:

marcus.db
|--> meta
|    |--> "version" -> schema version
|--> agents
|    |--> <agent-id> -> *structs.Agent
|--> projects
|    |--> <project-id> -> *structs.Project
|--> sessions
|    |--> <session-id> -> project id (raw bytes)
|--> state
     |--> <project-id>
          |--> "generation" -> uint64 claim counter
          |--> leases
          |    |--> <task-id> -> *structs.Lease
          |--> decisions
          |    |--> <seq> -> *structs.Decision
          |--> artifacts
               |--> <seq> -> *structs.Artifact
*/
var (
	metaBucketName     = []byte("meta")
	agentsBucketName   = []byte("agents")
	projectsBucketName = []byte("projects")
	sessionsBucketName = []byte("sessions")
	stateBucketName    = []byte("state")

	leasesBucketName    = []byte("leases")
	decisionsBucketName = []byte("decisions")
	artifactsBucketName = []byte("artifacts")

	generationKey = []byte("generation")
	versionKey    = []byte("version")
)

// stateDBVersion is the current schema version. Opening a database written
// by a different version fails rather than silently misreading it.
const stateDBVersion = 1

const stateDBFilename = "marcus.db"

var msgpackHandle = &codec.MsgpackHandle{}

// BoltStateDB persists state to a bbolt file. Claims within a project are
// serialized by a per-project mutex on top of bolt's single-writer
// transactions so that the conflict check and the write are one unit.
type BoltStateDB struct {
	logger hclog.Logger
	db     *bolt.DB

	claimLock  sync.Mutex
	claimLocks map[string]*sync.Mutex
}

// NewBoltStateDB opens (creating if necessary) the state file under dataDir.
func NewBoltStateDB(logger hclog.Logger, dataDir string) (*BoltStateDB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	path := filepath.Join(dataDir, stateDBFilename)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %q: %w", path, err)
	}

	s := &BoltStateDB{
		logger:     logger.Named("state_db"),
		db:         db,
		claimLocks: make(map[string]*sync.Mutex),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStateDB) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if raw := meta.Get(versionKey); raw != nil {
			if v := binary.BigEndian.Uint64(raw); v != stateDBVersion {
				return fmt.Errorf("state database version %d is not %d", v, stateDBVersion)
			}
		} else {
			if err := meta.Put(versionKey, encodeUint64(stateDBVersion)); err != nil {
				return err
			}
		}

		for _, name := range [][]byte{agentsBucketName, projectsBucketName, sessionsBucketName, stateBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStateDB) Name() string { return "bolt" }

// projectLock returns the mutex serializing lease writes for a project.
func (s *BoltStateDB) projectLock(projectID string) *sync.Mutex {
	s.claimLock.Lock()
	defer s.claimLock.Unlock()
	mu, ok := s.claimLocks[projectID]
	if !ok {
		mu = new(sync.Mutex)
		s.claimLocks[projectID] = mu
	}
	return mu
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func encodeMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(raw []byte, v any) error {
	return codec.NewDecoder(bytes.NewReader(raw), msgpackHandle).Decode(v)
}

// projectState returns the project's nested state bucket, creating it when
// create is set. Returns nil without error when absent and create is false.
func projectState(tx *bolt.Tx, projectID string, create bool) (*bolt.Bucket, error) {
	state := tx.Bucket(stateBucketName)
	if create {
		return state.CreateBucketIfNotExists([]byte(projectID))
	}
	return state.Bucket([]byte(projectID)), nil
}

func (s *BoltStateDB) TryClaim(projectID, taskID, agentID string, capacity int, duration time.Duration, now time.Time) (*structs.Lease, error) {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	var lease *structs.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, true)
		if err != nil {
			return err
		}
		leases, err := project.CreateBucketIfNotExists(leasesBucketName)
		if err != nil {
			return err
		}

		if raw := leases.Get([]byte(taskID)); raw != nil {
			var existing structs.Lease
			if err := decodeMsgpack(raw, &existing); err != nil {
				return fmt.Errorf("failed to decode lease for task %q: %w", taskID, err)
			}
			if !existing.Expired(now) {
				return structs.ErrLeaseConflict
			}
		}

		live, err := s.liveLeaseCount(tx, agentID, now)
		if err != nil {
			return err
		}
		if live >= capacity {
			return structs.NewCodedError(structs.ErrCodeTaskLeaseConflict,
				"agent %q is at capacity (%d)", agentID, capacity)
		}

		generation := uint64(1)
		if raw := project.Get(generationKey); raw != nil {
			generation = binary.BigEndian.Uint64(raw) + 1
		}
		if err := project.Put(generationKey, encodeUint64(generation)); err != nil {
			return err
		}

		lease = &structs.Lease{
			ProjectID:  projectID,
			TaskID:     taskID,
			AgentID:    agentID,
			GrantedAt:  now,
			ExpiresAt:  now.Add(duration),
			Generation: generation,
		}
		raw, err := encodeMsgpack(lease)
		if err != nil {
			return err
		}
		return leases.Put([]byte(taskID), raw)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// liveLeaseCount counts the agent's unexpired leases across all projects
// within an open transaction.
func (s *BoltStateDB) liveLeaseCount(tx *bolt.Tx, agentID string, now time.Time) (int, error) {
	count := 0
	err := s.forEachLease(tx, func(lease *structs.Lease) {
		if lease.AgentID == agentID && !lease.Expired(now) {
			count++
		}
	})
	return count, err
}

func (s *BoltStateDB) forEachLease(tx *bolt.Tx, fn func(*structs.Lease)) error {
	state := tx.Bucket(stateBucketName)
	return state.ForEachBucket(func(projectKey []byte) error {
		leases := state.Bucket(projectKey).Bucket(leasesBucketName)
		if leases == nil {
			return nil
		}
		return leases.ForEach(func(k, raw []byte) error {
			var lease structs.Lease
			if err := decodeMsgpack(raw, &lease); err != nil {
				return fmt.Errorf("failed to decode lease %q/%q: %w", projectKey, k, err)
			}
			fn(&lease)
			return nil
		})
	})
}

func (s *BoltStateDB) Release(projectID, taskID, reason string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil || project == nil {
			return err
		}
		leases := project.Bucket(leasesBucketName)
		if leases == nil {
			return nil
		}
		return leases.Delete([]byte(taskID))
	})
}

func (s *BoltStateDB) Renew(projectID, taskID, agentID string, newExpiry time.Time) (*structs.Lease, error) {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	var lease structs.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil {
			return err
		}
		if project == nil {
			return ErrNotFound
		}
		leases := project.Bucket(leasesBucketName)
		if leases == nil {
			return ErrNotFound
		}
		raw := leases.Get([]byte(taskID))
		if raw == nil {
			return ErrNotFound
		}
		if err := decodeMsgpack(raw, &lease); err != nil {
			return fmt.Errorf("failed to decode lease for task %q: %w", taskID, err)
		}
		if lease.AgentID != agentID {
			return structs.NewNotTaskOwner(agentID, taskID)
		}
		lease.ExpiresAt = newExpiry
		lease.RenewedCount++

		updated, err := encodeMsgpack(&lease)
		if err != nil {
			return err
		}
		return leases.Put([]byte(taskID), updated)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStateDB) GetLease(projectID, taskID string) (*structs.Lease, error) {
	var lease structs.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil {
			return err
		}
		if project == nil {
			return ErrNotFound
		}
		leases := project.Bucket(leasesBucketName)
		if leases == nil {
			return ErrNotFound
		}
		raw := leases.Get([]byte(taskID))
		if raw == nil {
			return ErrNotFound
		}
		return decodeMsgpack(raw, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStateDB) ListLeases(projectID string) ([]*structs.Lease, error) {
	var out []*structs.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil || project == nil {
			return err
		}
		leases := project.Bucket(leasesBucketName)
		if leases == nil {
			return nil
		}
		return leases.ForEach(func(k, raw []byte) error {
			var lease structs.Lease
			if err := decodeMsgpack(raw, &lease); err != nil {
				return fmt.Errorf("failed to decode lease %q: %w", k, err)
			}
			out = append(out, &lease)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *BoltStateDB) ListExpired(now time.Time) ([]*structs.Lease, error) {
	var out []*structs.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachLease(tx, func(lease *structs.Lease) {
			if lease.Expired(now) {
				out = append(out, lease.Copy())
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStateDB) PutAgent(agent *structs.Agent) error {
	raw, err := encodeMsgpack(agent)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucketName).Put([]byte(agent.ID), raw)
	})
}

func (s *BoltStateDB) GetAgent(agentID string) (*structs.Agent, error) {
	var agent structs.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(agentsBucketName).Get([]byte(agentID))
		if raw == nil {
			return ErrNotFound
		}
		return decodeMsgpack(raw, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStateDB) ListAgents() ([]*structs.Agent, error) {
	var out []*structs.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucketName).ForEach(func(k, raw []byte) error {
			var agent structs.Agent
			if err := decodeMsgpack(raw, &agent); err != nil {
				return fmt.Errorf("failed to decode agent %q: %w", k, err)
			}
			out = append(out, &agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStateDB) DeleteAgent(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(agentsBucketName).Delete([]byte(agentID))
	})
}

func (s *BoltStateDB) PutProject(project *structs.Project) error {
	raw, err := encodeMsgpack(project)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucketName).Put([]byte(project.ID), raw)
	})
}

func (s *BoltStateDB) GetProject(projectID string) (*structs.Project, error) {
	var project structs.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(projectsBucketName).Get([]byte(projectID))
		if raw == nil {
			return ErrNotFound
		}
		return decodeMsgpack(raw, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStateDB) ListProjects() ([]*structs.Project, error) {
	var out []*structs.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucketName).ForEach(func(k, raw []byte) error {
			var project structs.Project
			if err := decodeMsgpack(raw, &project); err != nil {
				return fmt.Errorf("failed to decode project %q: %w", k, err)
			}
			out = append(out, &project)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStateDB) DeleteProject(projectID string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(projectsBucketName).Delete([]byte(projectID)); err != nil {
			return err
		}
		state := tx.Bucket(stateBucketName)
		if state.Bucket([]byte(projectID)) != nil {
			if err := state.DeleteBucket([]byte(projectID)); err != nil {
				return err
			}
		}

		// Drop any session pointing at the deleted project.
		sessions := tx.Bucket(sessionsBucketName)
		var stale [][]byte
		err := sessions.ForEach(func(k, v []byte) error {
			if string(v) == projectID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := sessions.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStateDB) SetActiveProject(sessionID, projectID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucketName).Put([]byte(sessionID), []byte(projectID))
	})
}

func (s *BoltStateDB) GetActiveProject(sessionID string) (string, error) {
	var projectID string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucketName).Get([]byte(sessionID))
		if raw == nil {
			return ErrNotFound
		}
		projectID = string(raw)
		return nil
	})
	return projectID, err
}

// appendSequenced writes a value under the next bolt sequence number so the
// natural key order is insertion order.
func appendSequenced(project *bolt.Bucket, bucketName []byte, v any) error {
	b, err := project.CreateBucketIfNotExists(bucketName)
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	raw, err := encodeMsgpack(v)
	if err != nil {
		return err
	}
	return b.Put(encodeUint64(seq), raw)
}

func (s *BoltStateDB) AppendDecision(decision *structs.Decision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		project, err := projectState(tx, decision.ProjectID, true)
		if err != nil {
			return err
		}
		return appendSequenced(project, decisionsBucketName, decision)
	})
}

func (s *BoltStateDB) DecisionsByTask(projectID, taskID string) ([]*structs.Decision, error) {
	all, err := s.Decisions(projectID)
	if err != nil {
		return nil, err
	}
	var out []*structs.Decision
	for _, decision := range all {
		if decision.TaskID == taskID {
			out = append(out, decision)
		}
	}
	return out, nil
}

func (s *BoltStateDB) Decisions(projectID string) ([]*structs.Decision, error) {
	var out []*structs.Decision
	err := s.db.View(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil || project == nil {
			return err
		}
		decisions := project.Bucket(decisionsBucketName)
		if decisions == nil {
			return nil
		}
		return decisions.ForEach(func(k, raw []byte) error {
			var decision structs.Decision
			if err := decodeMsgpack(raw, &decision); err != nil {
				return fmt.Errorf("failed to decode decision %q: %w", k, err)
			}
			out = append(out, &decision)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStateDB) PutArtifact(artifact *structs.Artifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		project, err := projectState(tx, artifact.ProjectID, true)
		if err != nil {
			return err
		}
		return appendSequenced(project, artifactsBucketName, artifact)
	})
}

func (s *BoltStateDB) artifacts(projectID string) ([]*structs.Artifact, error) {
	var out []*structs.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil || project == nil {
			return err
		}
		artifacts := project.Bucket(artifactsBucketName)
		if artifacts == nil {
			return nil
		}
		return artifacts.ForEach(func(k, raw []byte) error {
			var artifact structs.Artifact
			if err := decodeMsgpack(raw, &artifact); err != nil {
				return fmt.Errorf("failed to decode artifact %q: %w", k, err)
			}
			out = append(out, &artifact)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStateDB) ArtifactsByTask(projectID, taskID string) ([]*structs.Artifact, error) {
	all, err := s.artifacts(projectID)
	if err != nil {
		return nil, err
	}
	var out []*structs.Artifact
	for _, artifact := range all {
		if artifact.TaskID == taskID {
			out = append(out, artifact)
		}
	}
	return out, nil
}

func (s *BoltStateDB) ArtifactByFilename(projectID, taskID, filename string) (*structs.Artifact, error) {
	all, err := s.artifacts(projectID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].TaskID == taskID && all[i].Filename == filename {
			return all[i], nil
		}
	}
	return nil, ErrNotFound
}

func (s *BoltStateDB) Generation(projectID string) (uint64, error) {
	var generation uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		project, err := projectState(tx, projectID, false)
		if err != nil || project == nil {
			return err
		}
		if raw := project.Get(generationKey); raw != nil {
			generation = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return generation, err
}

func (s *BoltStateDB) Close() error {
	return s.db.Close()
}
