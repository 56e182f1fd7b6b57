// Package permsync keeps realtime room membership in line with stored
// permissions. Mutations enqueue work; a fixed pool of workers recomputes
// effective permissions and moves gateway sessions in or out of channel rooms.
package permsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victorivanov/concord/internal/database"
	"github.com/victorivanov/concord/internal/gateway"
	"github.com/victorivanov/concord/internal/models"
	"github.com/victorivanov/concord/internal/permissions"
)

const jobTimeout = 30 * time.Second

// Config sizes the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BatchSize   int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	return c
}

// Stats are cumulative counters since the synchronizer was created.
type Stats struct {
	Enqueued  int64
	Processed int64
	Retried   int64
	Failed    int64
	Dropped   int64
}

type jobKind int

const (
	jobUserChannel jobKind = iota
	jobServer
	jobChannel
)

type job struct {
	kind      jobKind
	userID    int64
	serverID  int64
	channelID int64
	userIDs   []int64
}

type pairKey struct {
	userID    int64
	channelID int64
}

// Synchronizer is the realtime session synchronizer. It never reports
// failures to callers: work is best effort, logged and counted.
type Synchronizer struct {
	servers  database.ServerRepository
	roles    database.RoleRepository
	members  database.MemberRepository
	channels database.ChannelRepository
	gw       gateway.Broadcaster
	cfg      Config

	// mu guards closed against concurrent Enqueue and Stop.
	mu     sync.RWMutex
	closed bool
	jobs   chan job

	pendingMu sync.Mutex
	pending   map[pairKey]bool

	wg sync.WaitGroup

	enqueued  atomic.Int64
	processed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a Synchronizer. Call Start before enqueuing work.
func New(
	servers database.ServerRepository,
	roles database.RoleRepository,
	members database.MemberRepository,
	channels database.ChannelRepository,
	gw gateway.Broadcaster,
	cfg Config,
) *Synchronizer {
	cfg = cfg.withDefaults()
	return &Synchronizer{
		servers:  servers,
		roles:    roles,
		members:  members,
		channels: channels,
		gw:       gw,
		cfg:      cfg,
		jobs:     make(chan job, cfg.QueueSize),
		pending:  make(map[pairKey]bool),
	}
}

// Start launches the workers. They exit when Stop is called or ctx ends.
func (s *Synchronizer) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop stops accepting work, lets the workers drain the queue and waits for
// them to finish.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		Enqueued:  s.enqueued.Load(),
		Processed: s.processed.Load(),
		Retried:   s.retried.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Enqueue schedules a resync of one user in one channel. A pair that is
// already waiting in the queue is not queued twice.
func (s *Synchronizer) Enqueue(userID, channelID int64) {
	key := pairKey{userID: userID, channelID: channelID}

	s.pendingMu.Lock()
	if s.pending[key] {
		s.pendingMu.Unlock()
		return
	}
	s.pending[key] = true
	s.pendingMu.Unlock()

	if !s.submit(job{kind: jobUserChannel, userID: userID, channelID: channelID}) {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}
}

// EnqueueServer schedules a resync of userIDs across every channel of a
// server. An empty userIDs means every member of the server.
func (s *Synchronizer) EnqueueServer(serverID int64, userIDs []int64) {
	s.submit(job{kind: jobServer, serverID: serverID, userIDs: uniq(userIDs)})
}

// EnqueueChannel schedules a resync of userIDs in one channel. An empty
// userIDs means every member of the channel's server.
func (s *Synchronizer) EnqueueChannel(channelID int64, userIDs []int64) {
	s.submit(job{kind: jobChannel, channelID: channelID, userIDs: uniq(userIDs)})
}

// submit never blocks; a full or closed queue drops the job.
func (s *Synchronizer) submit(j job) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		slog.Warn("permission sync dropped, synchronizer stopped", "kind", j.kind, "userID", j.userID, "serverID", j.serverID, "channelID", j.channelID)
		return false
	}
	select {
	case s.jobs <- j:
		s.enqueued.Add(1)
		return true
	default:
		s.dropped.Add(1)
		slog.Warn("permission sync queue full, dropping job", "kind", j.kind, "userID", j.userID, "serverID", j.serverID, "channelID", j.channelID)
		return false
	}
}

func (s *Synchronizer) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.process(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

// process runs one job with linear backoff between attempts.
func (s *Synchronizer) process(ctx context.Context, j job) {
	if j.kind == jobUserChannel {
		s.pendingMu.Lock()
		delete(s.pending, pairKey{userID: j.userID, channelID: j.channelID})
		s.pendingMu.Unlock()
	}

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.retried.Add(1)
			select {
			case <-time.After(time.Duration(attempt-1) * s.cfg.RetryDelay):
			case <-ctx.Done():
				s.failed.Add(1)
				return
			}
		}

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		err = s.run(jobCtx, j)
		cancel()
		if err == nil {
			s.processed.Add(1)
			return
		}
		slog.Warn("permission sync attempt failed", "attempt", attempt, "userID", j.userID, "serverID", j.serverID, "channelID", j.channelID, "error", err)
	}

	s.failed.Add(1)
	slog.Error("permission sync gave up", "userID", j.userID, "serverID", j.serverID, "channelID", j.channelID, "error", err)
}

func (s *Synchronizer) run(ctx context.Context, j job) error {
	switch j.kind {
	case jobServer:
		return s.SyncUsersForServer(ctx, j.serverID, j.userIDs)
	case jobChannel:
		return s.SyncUsersForChannel(ctx, j.channelID, j.userIDs)
	default:
		return s.SyncUserChannelPermissions(ctx, j.userID, j.channelID)
	}
}

// SyncUserChannelPermissions recomputes userID's permissions in channelID.
// Without VIEW_CHANNEL every live session of the user leaves the channel
// room; with it they join. Missing entities make this a silent no-op.
func (s *Synchronizer) SyncUserChannelPermissions(ctx context.Context, userID, channelID int64) error {
	channel, err := s.channels.GetByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}
	if channel == nil || channel.IsDM() || channel.ServerID == nil {
		return nil
	}

	server, err := s.servers.GetByID(ctx, *channel.ServerID)
	if err != nil {
		return fmt.Errorf("loading server: %w", err)
	}
	if server == nil {
		return nil
	}

	member, err := s.members.GetByServerAndUser(ctx, server.ID, userID)
	if err != nil {
		return fmt.Errorf("loading member: %w", err)
	}
	if member == nil {
		return nil
	}

	roles, err := s.roles.GetByServerID(ctx, server.ID)
	if err != nil {
		return fmt.Errorf("loading roles: %w", err)
	}
	everyone, ok := findRole(roles, server.EveryoneRoleID)
	if !ok {
		return nil
	}

	s.apply(*server, *member, roles, everyone, *channel)
	return nil
}

// SyncUsersForServer recomputes every channel of a server for userIDs,
// loading members in batches.
func (s *Synchronizer) SyncUsersForServer(ctx context.Context, serverID int64, userIDs []int64) error {
	var (
		server   *models.Server
		roles    []models.Role
		channels []models.Channel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		server, err = s.servers.GetByID(gctx, serverID)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = s.roles.GetByServerID(gctx, serverID)
		return err
	})
	g.Go(func() error {
		var err error
		channels, err = s.channels.GetByServerID(gctx, serverID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading server state: %w", err)
	}
	if server == nil {
		return nil
	}
	everyone, ok := findRole(roles, server.EveryoneRoleID)
	if !ok {
		return nil
	}

	return s.forEachMember(ctx, serverID, userIDs, func(m models.Member) {
		for _, ch := range channels {
			if ch.IsDM() {
				continue
			}
			s.apply(*server, m, roles, everyone, ch)
		}
	})
}

// SyncUsersForChannel recomputes one channel for userIDs.
func (s *Synchronizer) SyncUsersForChannel(ctx context.Context, channelID int64, userIDs []int64) error {
	channel, err := s.channels.GetByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}
	if channel == nil || channel.IsDM() || channel.ServerID == nil {
		return nil
	}
	serverID := *channel.ServerID

	var (
		server *models.Server
		roles  []models.Role
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		server, err = s.servers.GetByID(gctx, serverID)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = s.roles.GetByServerID(gctx, serverID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading server state: %w", err)
	}
	if server == nil {
		return nil
	}
	everyone, ok := findRole(roles, server.EveryoneRoleID)
	if !ok {
		return nil
	}

	return s.forEachMember(ctx, serverID, userIDs, func(m models.Member) {
		s.apply(*server, m, roles, everyone, *channel)
	})
}

// forEachMember visits the requested members, or all members when userIDs
// is empty, fetching at most BatchSize at a time.
func (s *Synchronizer) forEachMember(ctx context.Context, serverID int64, userIDs []int64, fn func(models.Member)) error {
	if len(userIDs) == 0 {
		all, err := s.members.GetByServerID(ctx, serverID)
		if err != nil {
			return fmt.Errorf("loading members: %w", err)
		}
		for _, m := range all {
			fn(m)
		}
		return nil
	}

	for start := 0; start < len(userIDs); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(userIDs))
		batch, err := s.members.GetByServerAndUsers(ctx, serverID, userIDs[start:end])
		if err != nil {
			return fmt.Errorf("loading member batch: %w", err)
		}
		for _, m := range batch {
			fn(m)
		}
	}
	return nil
}

// apply moves member's sessions into or out of the channel room. The server
// owner counts as owner even when the membership row lacks the flag.
func (s *Synchronizer) apply(server models.Server, member models.Member, roles []models.Role, everyone models.Role, channel models.Channel) {
	member.IsOwner = member.IsOwner || member.UserID == server.OwnerID
	perms := permissions.Compute(member, roles, everyone, channel)
	room := gateway.ChannelRoom(channel.ID)
	canView := perms.Has(permissions.PermViewChannel)

	for _, sess := range s.gw.SessionsForUser(member.UserID) {
		if canView {
			sess.JoinRoom(room)
		} else {
			sess.LeaveRoom(room)
		}
	}
}

func findRole(roles []models.Role, id int64) (models.Role, bool) {
	for _, r := range roles {
		if r.ID == id {
			return r, true
		}
	}
	return models.Role{}, false
}

func uniq(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
