// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mesh implements comm.Transport as a full mesh of gRPC streams
// between the processes of one benchmark group.
//
// # Rendezvous
//
// The root (world rank 0) listens first and hands its address to the
// workers it launches. Each worker starts its own listener and calls Join
// on the root, which blocks until every rank has joined and then returns
// the address table of the whole world:
//
//	root                         worker k
//	 │ New(Rank 0) ── Addr() ───► env GROUPBENCH_ROOT_ADDR
//	 │                             │ New(Rank k)
//	 │ ◄──────── Join(k, addr) ────┤
//	 │ (waits for all workers)     │
//	 ├──────── addrs[0..n) ───────►│
//
// # Data path
//
// Frames to a peer travel on one lazily opened client stream per peer, so
// frames between one pair of ranks arrive in send order.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/logging"
)

var (
	// ErrPeerLost is reported by receives once a peer's stream broke.
	ErrPeerLost = errors.New("mesh peer lost")

	// ErrNotJoined is returned by Deliver before the rendezvous completed.
	ErrNotJoined = errors.New("mesh rendezvous not complete")

	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("invalid mesh configuration")
)

const (
	defaultListenAddr  = "127.0.0.1:0"
	defaultMaxMessage  = 64 << 20
	defaultJoinTimeout = 30 * time.Second
	closeGrace         = 2 * time.Second
)

// Config configures one participant of the mesh.
type Config struct {
	// Rank is this process's world rank. Rank 0 is the rendezvous root.
	Rank int

	// Size is the world size.
	Size int

	// Session must be identical on every participant.
	Session string

	// ListenAddr is the local listen address. Default: "127.0.0.1:0".
	ListenAddr string

	// RootAddr is the root's address. Required when Rank > 0.
	RootAddr string

	// JoinTimeout bounds Join. Default: 30s.
	JoinTimeout time.Duration

	// MaxMessageBytes bounds a single frame. Default: 64 MiB.
	MaxMessageBytes int

	Logger *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessage
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

func (c *Config) validate() error {
	if c.Size < 1 {
		return fmt.Errorf("%w: world size %d", ErrInvalidConfig, c.Size)
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d outside world of %d", ErrInvalidConfig, c.Rank, c.Size)
	}
	if c.Rank > 0 && c.RootAddr == "" {
		return fmt.Errorf("%w: rank %d needs the root address", ErrInvalidConfig, c.Rank)
	}
	return nil
}

type peer struct {
	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// Transport is a gRPC mesh participant.
//
// Thread Safety:
//
//	Deliver is safe for concurrent use. Join and Close are called once by
//	the owning process.
type Transport struct {
	cfg    Config
	logger *logging.Logger
	box    *comm.Mailbox

	lis    net.Listener
	server *grpc.Server

	// ctx scopes every outgoing stream and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	joined map[int]string
	addrs  []string
	ready  chan struct{}
	peers  map[int]*peer

	closing   atomic.Bool
	closeOnce sync.Once
}

// New starts listening and serving the mesh service. The returned Transport
// cannot deliver frames until Join returns.
//
// Inputs:
//
//	cfg - Participant configuration.
//
// Outputs:
//
//	*Transport - Listening transport. Call Close to release it.
//	error - Non-nil for invalid configurations or listen failures.
func New(cfg Config) (*Transport, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("mesh listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "mesh", "rank", cfg.Rank),
		box:    comm.NewMailbox(),
		lis:    lis,
		ctx:    ctx,
		cancel: cancel,
		joined: map[int]string{cfg.Rank: lis.Addr().String()},
		ready:  make(chan struct{}),
		peers:  make(map[int]*peer),
	}
	if cfg.Rank == 0 && cfg.Size == 1 {
		t.addrs = []string{t.Addr()}
		close(t.ready)
	}

	t.server = grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(cfg.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.MaxMessageBytes),
	)
	t.server.RegisterService(&serviceDesc, &service{t: t})

	go func() {
		if err := t.server.Serve(lis); err != nil && !t.closing.Load() {
			t.logger.Error("mesh server stopped", "error", err)
		}
	}()
	return t, nil
}

// Addr returns the address peers dial to reach this participant.
func (t *Transport) Addr() string {
	return t.lis.Addr().String()
}

// WorldRank implements comm.Transport.
func (t *Transport) WorldRank() int { return t.cfg.Rank }

// WorldSize implements comm.Transport.
func (t *Transport) WorldSize() int { return t.cfg.Size }

// Mailbox implements comm.Transport.
func (t *Transport) Mailbox() *comm.Mailbox { return t.box }

// Join completes the rendezvous.
//
// Description:
//
//	On the root it waits until every worker has called the Join RPC. On a
//	worker it announces Addr() to the root and stores the returned address
//	table. Join is bounded by Config.JoinTimeout.
func (t *Transport) Join(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.JoinTimeout)
	defer cancel()

	if t.cfg.Rank == 0 {
		select {
		case <-t.ready:
			t.logger.Debug("rendezvous complete", "world_size", t.cfg.Size)
			return nil
		case <-ctx.Done():
			t.mu.Lock()
			joined := len(t.joined)
			t.mu.Unlock()
			return fmt.Errorf("mesh join: %d of %d ranks joined: %w", joined, t.cfg.Size, ctx.Err())
		}
	}

	p, err := t.peer(0, t.cfg.RootAddr)
	if err != nil {
		return err
	}
	req := &joinRequest{Session: t.cfg.Session, Rank: t.cfg.Rank, Addr: t.Addr()}
	reply := new(joinReply)
	if err := p.conn.Invoke(ctx, joinMethod, req, reply, grpc.WaitForReady(true)); err != nil {
		return fmt.Errorf("mesh join via %s: %w", t.cfg.RootAddr, err)
	}
	if len(reply.Addrs) != t.cfg.Size {
		return fmt.Errorf("mesh join: root returned %d addresses for world of %d", len(reply.Addrs), t.cfg.Size)
	}

	t.mu.Lock()
	t.addrs = reply.Addrs
	close(t.ready)
	t.mu.Unlock()
	t.logger.Debug("rendezvous complete", "world_size", t.cfg.Size)
	return nil
}

// register records a joining worker on the root and completes the address
// table once every rank is known.
func (t *Transport) register(rank int, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.joined[rank]; ok && prev != addr {
		return fmt.Errorf("rank %d already joined from %s", rank, prev)
	}
	t.joined[rank] = addr
	if len(t.joined) == t.cfg.Size && t.addrs == nil {
		t.addrs = make([]string, t.cfg.Size)
		for r, a := range t.joined {
			t.addrs[r] = a
		}
		close(t.ready)
	}
	return nil
}

func (t *Transport) table() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.addrs...)
}

// Deliver implements comm.Transport.
func (t *Transport) Deliver(ctx context.Context, dst int, f comm.Frame) error {
	if dst < 0 || dst >= t.cfg.Size {
		return fmt.Errorf("%w: deliver to %d of %d", comm.ErrRankOutOfRange, dst, t.cfg.Size)
	}
	select {
	case <-t.ready:
	default:
		return ErrNotJoined
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	addr := t.addrs[dst]
	t.mu.Unlock()

	p, err := t.peer(dst, addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		stream, err := p.conn.NewStream(t.ctx, &serviceDesc.Streams[0], deliverMethod)
		if err != nil {
			return fmt.Errorf("%w: open stream to rank %d: %v", ErrPeerLost, dst, err)
		}
		p.stream = stream
	}

	wf := wireFrame(f)
	if err := p.stream.SendMsg(&wf); err != nil {
		if errors.Is(err, io.EOF) {
			err = p.stream.RecvMsg(&ack{})
		}
		return fmt.Errorf("%w: send to rank %d: %v", ErrPeerLost, dst, err)
	}
	return nil
}

// peer returns the connection to rank, dialling it on first use.
func (t *Transport) peer(rank int, addr string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.peers == nil {
		return nil, comm.ErrClosed
	}
	if p, ok := t.peers[rank]; ok {
		return p, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(t.cfg.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(t.cfg.MaxMessageBytes),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("mesh dial rank %d at %s: %w", rank, addr, err)
	}
	p := &peer{conn: conn}
	t.peers[rank] = p
	return p, nil
}

// Close half-closes every outgoing stream, waits briefly for peers to
// acknowledge, then stops the server and fails pending receives.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)

		t.mu.Lock()
		peers := t.peers
		t.peers = nil
		t.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, p := range peers {
				p.mu.Lock()
				if p.stream != nil {
					_ = p.stream.CloseSend()
					_ = p.stream.RecvMsg(&ack{})
				}
				p.mu.Unlock()
			}
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
			t.logger.Debug("peers did not acknowledge close in time")
		}

		t.cancel()
		<-done
		for _, p := range peers {
			_ = p.conn.Close()
		}
		t.server.Stop()
		t.box.Close(comm.ErrClosed)
	})
	return nil
}

var _ comm.Transport = (*Transport)(nil)
