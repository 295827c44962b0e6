package server

import (
	"context"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/rpc"
)

const joinRetryInterval = time.Second

// JoinCluster asks an existing cluster to add this server as a raft
// voter. It walks the seed addresses, follows leader hints, and keeps
// retrying until the context expires: the peers may still be electing
// when a fresh server comes up.
func JoinCluster(ctx context.Context, peers []string, nodeID, raftAddr string) error {
	if len(peers) == 0 {
		return errcode.New(errcode.ParameterError, "no join addresses")
	}
	logger := log.WithComponent("server")
	args := &rpc.ClusterJoinArgs{NodeID: nodeID, RaftAddr: raftAddr}
	var lastErr error
	for {
		for _, addr := range peers {
			err := callJoin(ctx, addr, args)
			for err != nil {
				hint, ok := rpc.LeaderHint(err)
				if !ok || hint == addr {
					break
				}
				addr = hint
				err = callJoin(ctx, addr, args)
			}
			if err == nil {
				logger.Info().Str("peer", addr).Str("node_id", nodeID).Msg("joined cluster")
				return nil
			}
			lastErr = err
			logger.Debug().Str("peer", addr).Err(err).Msg("join attempt failed")
		}
		select {
		case <-ctx.Done():
			return errcode.Newf(errcode.InnerCommunication, "join cluster: %v", lastErr)
		case <-time.After(joinRetryInterval):
		}
	}
}

func callJoin(ctx context.Context, addr string, args *rpc.ClusterJoinArgs) error {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := rpc.Dial(dctx, addr, rpc.ConnDirect)
	if err != nil {
		return err
	}
	defer conn.Close()
	var reply rpc.ClusterJoinReply
	return rpc.CallWithCodec(rpc.NewClientCodec(conn), "Cluster.Join", args, &reply)
}
