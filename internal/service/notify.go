package service

import (
	"context"

	"github.com/victorivanov/concord/internal/gateway"
)

// Syncer schedules realtime room resyncs. *permsync.Synchronizer implements
// it. Every method returns immediately.
type Syncer interface {
	Enqueue(userID, channelID int64)
	EnqueueServer(serverID int64, userIDs []int64)
	EnqueueChannel(channelID int64, userIDs []int64)
}

// notifier runs the steps that follow every write that can change effective
// permissions: drop cached results, tell clients to refetch, then queue the
// room resync.
type notifier struct {
	perms   *PermissionChecker
	gateway gateway.Broadcaster
	sync    Syncer
}

func (n notifier) permissionsChanged(ctx context.Context, data gateway.PermissionsUpdateData) {
	n.perms.Invalidate(ctx, data.ServerID)
	n.gateway.BroadcastToRoom(gateway.ServerRoom(data.ServerID), gateway.EventPermissionsUpdate, data)
}

// resyncUsers queues a server-wide resync for exactly userIDs. An empty list
// queues nothing.
func (n notifier) resyncUsers(serverID int64, userIDs []int64) {
	if len(userIDs) == 0 {
		return
	}
	n.sync.EnqueueServer(serverID, userIDs)
}

// resyncServer queues a resync of every member in every channel.
func (n notifier) resyncServer(serverID int64) {
	n.sync.EnqueueServer(serverID, nil)
}
