// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

const (
	serviceName   = "groupbench.mesh.v1.Mesh"
	joinMethod    = "/" + serviceName + "/Join"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// meshServer is the server side of the mesh service.
type meshServer interface {
	Join(ctx context.Context, req *joinRequest) (*joinReply, error)
	Deliver(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Deliver", Handler: deliverHandler, ClientStreams: true},
	},
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(joinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(meshServer).Join(ctx, req.(*joinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv any, stream grpc.ServerStream) error {
	return srv.(meshServer).Deliver(stream)
}

// service implements meshServer on behalf of a Transport.
type service struct {
	t *Transport
}

// Join registers a worker with the root and blocks until every worker of
// the world has joined. Only the root accepts joins.
func (s *service) Join(ctx context.Context, req *joinRequest) (*joinReply, error) {
	t := s.t
	if t.cfg.Rank != 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d is not the rendezvous root", t.cfg.Rank)
	}
	if req.Session != t.cfg.Session {
		return nil, status.Errorf(codes.PermissionDenied, "session %q does not match", req.Session)
	}
	if req.Rank <= 0 || req.Rank >= t.cfg.Size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside world of %d", req.Rank, t.cfg.Size)
	}
	if err := t.register(req.Rank, req.Addr); err != nil {
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-t.ctx.Done():
		return nil, status.Error(codes.Unavailable, "rendezvous root closed")
	}
	return &joinReply{Addrs: t.table()}, nil
}

// Deliver drains one peer's frame stream into the local mailbox.
//
// A stream that ends with anything but a clean half-close while the
// transport is open means the peer is gone; the mailbox is failed so that
// blocked receives return instead of waiting forever.
func (s *service) Deliver(stream grpc.ServerStream) error {
	t := s.t
	src := -1
	for {
		f := new(wireFrame)
		err := stream.RecvMsg(f)
		if errors.Is(err, io.EOF) {
			return stream.SendMsg(&ack{})
		}
		if err != nil {
			if !t.closing.Load() {
				t.box.Close(fmt.Errorf("%w: rank %d: %v", ErrPeerLost, src, err))
				t.logger.Warn("peer stream failed", "peer", src, "error", err)
			}
			return err
		}
		src = f.Src
		t.box.Put(comm.Frame(*f))
	}
}

var _ meshServer = (*service)(nil)
