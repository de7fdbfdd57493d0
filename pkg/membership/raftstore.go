package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftStore is the default Membership Store binding: the table is
// replicated through hashicorp/raft, grounded on the teacher's
// pkg/manager (NewManager/Bootstrap/Join/Apply) + pkg/manager/fsm.go. Raft's
// serialized-apply FSM gives the §4.1 "optimistic, version-guarded,
// atomically paired with a table-version bump" contract for free: every
// Insert/Update is one raft.Apply, and the FSM performs the compare-and-set
// itself while holding sole access to the state.
type RaftStore struct {
	raft    *raft.Raft
	fsm     *membershipFSM
	localID raft.ServerID
	bindAddr string

	applyTimeout time.Duration
}

// RaftConfig configures a RaftStore.
type RaftConfig struct {
	LocalID      string
	BindAddr     string
	DataDir      string
	ApplyTimeout time.Duration
}

type membershipFSM struct {
	mu      sync.RWMutex
	rows    map[string]*memRow
	version int64
}

// command is the Raft log payload, grounded on the teacher's
// manager.Command{Op, Data} shape.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type insertOrUpdateArgs struct {
	Entry        types.MembershipEntry `json:"entry"`
	ETag         string                `json:"etag,omitempty"`
	TableVersion string                `json:"table_version"`
}

type applyResult struct {
	OK      bool   `json:"ok"`
	ETag    string `json:"etag,omitempty"`
	Version string `json:"version,omitempty"`
}

func (f *membershipFSM) Apply(log *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "insert":
		var args insertOrUpdateArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		if !f.versionMatchesLocked(args.TableVersion) {
			return applyResult{OK: false}
		}
		key := args.Entry.RowKey()
		if _, exists := f.rows[key]; exists {
			return applyResult{OK: false}
		}
		f.version++
		etag := fmt.Sprintf("%d", f.version)
		f.rows[key] = &memRow{entry: args.Entry, etag: etag}
		return applyResult{OK: true, ETag: etag, Version: fmt.Sprintf("%d", f.version)}

	case "update":
		var args insertOrUpdateArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		if !f.versionMatchesLocked(args.TableVersion) {
			return applyResult{OK: false}
		}
		key := args.Entry.RowKey()
		row, ok := f.rows[key]
		if !ok || row.etag != args.ETag {
			return applyResult{OK: false}
		}
		f.version++
		etag := fmt.Sprintf("%d", f.version)
		f.rows[key] = &memRow{entry: args.Entry, etag: etag}
		return applyResult{OK: true, ETag: etag, Version: fmt.Sprintf("%d", f.version)}

	case "iamalive":
		var entry types.MembershipEntry
		if err := json.Unmarshal(cmd.Data, &entry); err != nil {
			return err
		}
		key := entry.RowKey()
		row, ok := f.rows[key]
		if !ok {
			return applyResult{OK: false}
		}
		row.entry.IAmAliveTime = entry.IAmAliveTime
		return applyResult{OK: true}

	case "delete_cluster":
		f.rows = make(map[string]*memRow)
		f.version++
		return applyResult{OK: true}

	case "cleanup_defunct":
		var before time.Time
		if err := json.Unmarshal(cmd.Data, &before); err != nil {
			return err
		}
		for key, row := range f.rows {
			if row.entry.Status == types.StatusDead && row.entry.IAmAliveTime.Before(before) {
				delete(f.rows, key)
			}
		}
		return applyResult{OK: true}

	default:
		return fmt.Errorf("unknown membership command %q", cmd.Op)
	}
}

func (f *membershipFSM) versionMatchesLocked(tableVersion string) bool {
	current := fmt.Sprintf("%d", f.version)
	if tableVersion == current {
		return true
	}
	return len(f.rows) == 0 && (tableVersion == "" || tableVersion == "0")
}

// fsmSnapshot and Snapshot/Restore satisfy raft.FSM; the whole table is
// small (one row per silo) so a full-copy snapshot is sufficient.
type fsmSnapshotState struct {
	Rows    map[string]*memRow `json:"rows"`
	Version int64              `json:"version"`
}

func (f *membershipFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rows := make(map[string]*memRow, len(f.rows))
	for k, v := range f.rows {
		cp := *v
		rows[k] = &cp
	}
	return &fsmSnapshot{state: fsmSnapshotState{Rows: rows, Version: f.version}}, nil
}

func (f *membershipFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state fsmSnapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = state.Rows
	f.version = state.Version
	return nil
}

type fsmSnapshot struct {
	state fsmSnapshotState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// NewRaftStore creates the Raft node backing a RaftStore but does not
// bootstrap or join a cluster; call Bootstrap on the first silo or have
// the cluster leader call AddVoter for every subsequent one, mirroring the
// teacher's NewManager + Bootstrap/Join split.
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.LocalID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	fsm := &membershipFSM{rows: make(map[string]*memRow)}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	return &RaftStore{raft: r, fsm: fsm, localID: raftConfig.LocalID, bindAddr: cfg.BindAddr, applyTimeout: cfg.ApplyTimeout}, nil
}

// Bootstrap forms a brand-new single-voter cluster with this node as the
// only member.
func (s *RaftStore) Bootstrap() error {
	future := s.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: s.localID, Address: raft.ServerAddress(s.bindAddr)}},
	})
	return future.Error()
}

// AddVoter adds a new silo to the Raft configuration; only the leader may
// call this successfully.
func (s *RaftStore) AddVoter(id, addr string) error {
	future := s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a silo from the Raft configuration.
func (s *RaftStore) RemoveServer(id string) error {
	future := s.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (s *RaftStore) IsLeader() bool { return s.raft.State() == raft.Leader }

// LeaderAddr returns the current Raft leader's address, if known.
func (s *RaftStore) LeaderAddr() string { return string(s.raft.Leader()) }

// Shutdown stops the Raft node.
func (s *RaftStore) Shutdown() error {
	return s.raft.Shutdown().Error()
}

func (s *RaftStore) apply(op string, data any) (applyResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return applyResult{}, err
	}
	cmd := command{Op: op, Data: payload}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, err
	}
	future := s.raft.Apply(encoded, s.applyTimeout)
	if err := future.Error(); err != nil {
		return applyResult{}, err
	}
	switch resp := future.Response().(type) {
	case applyResult:
		return resp, nil
	case error:
		return applyResult{}, resp
	default:
		return applyResult{}, fmt.Errorf("unexpected apply response type %T", resp)
	}
}

func (s *RaftStore) Initialize(ctx context.Context, tryInitTableVersion string) error {
	return nil
}

func (s *RaftStore) ReadAll(ctx context.Context) (Table, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	t := Table{Version: fmt.Sprintf("%d", s.fsm.version)}
	for _, r := range s.fsm.rows {
		t.Entries = append(t.Entries, r.entry)
	}
	return t, nil
}

func (s *RaftStore) ReadRow(ctx context.Context, silo types.SiloAddress) (types.MembershipEntry, string, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	r, ok := s.fsm.rows[silo.String()]
	if !ok {
		return types.MembershipEntry{}, "", &ErrRowNotFound{Silo: silo}
	}
	return r.entry, r.etag, nil
}

func (s *RaftStore) InsertRow(ctx context.Context, entry types.MembershipEntry, tableVersion string) (bool, error) {
	res, err := s.apply("insert", insertOrUpdateArgs{Entry: entry, TableVersion: tableVersion})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (s *RaftStore) UpdateRow(ctx context.Context, entry types.MembershipEntry, etag string, tableVersion string) (bool, error) {
	res, err := s.apply("update", insertOrUpdateArgs{Entry: entry, ETag: etag, TableVersion: tableVersion})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (s *RaftStore) UpdateIAmAlive(ctx context.Context, entry types.MembershipEntry) error {
	_, err := s.apply("iamalive", entry)
	return err
}

func (s *RaftStore) DeleteMembershipTableEntries(ctx context.Context, clusterID string) error {
	_, err := s.apply("delete_cluster", clusterID)
	return err
}

func (s *RaftStore) CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error {
	_, err := s.apply("cleanup_defunct", before)
	return err
}
