// Package service wires every processor component into a single
// Start/Stop lifecycle, generalizing mive/backend.go's Mive service (which
// implements node.Lifecycle around an ethclient connection and a chain
// database) to this module's own components.
package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/benywan/ddcsum-server/bus"
	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/catchup"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/claims"
	"github.com/benywan/ddcsum-server/codec"
	"github.com/benywan/ddcsum-server/config"
	"github.com/benywan/ddcsum-server/mempool"
	"github.com/benywan/ddcsum-server/rpcsrv"
	"github.com/benywan/ddcsum-server/shared"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

// requestQueueCapacity bounds the request_queue described in spec.md §5.
const requestQueueCapacity = 4096

// Service owns every long-running processor component: the catch-up
// worker, the request queue drain loop, and the session bus listener.
type Service struct {
	Config config.Config

	Client  *chain.DaemonClient
	Headers *chain.HeaderStore
	Store   storage.Storage
	Cache   *cache.Cache
	Mempool *mempool.Mempool
	Hub     *subscribe.Hub
	Shared  *shared.Flags
	Worker  *catchup.Worker
	Router  *rpcsrv.Router
	Queue   *bus.Queue
	Bus     *bus.Server

	cancel context.CancelFunc
}

// New builds every component but starts nothing.
func New(cfg config.Config, daemonURL, rpcAddr string) (*Service, error) {
	client, err := chain.Dial(daemonURL)
	if err != nil {
		return nil, fmt.Errorf("service: dial daemon: %w", err)
	}

	headers, err := chain.Open(cfg.Caching.DataDir + "/blockchain_headers")
	if err != nil {
		return nil, fmt.Errorf("service: open header store: %w", err)
	}

	c := cache.New(cfg.Caching.ShortExpire, cfg.Caching.LongExpire)
	headers.SetChunkInvalidator(c.InvalidateChunk)

	store := storage.NewMemory()
	flagsState := shared.New()

	dbHeight, err := store.Height(context.Background())
	if err != nil {
		return nil, fmt.Errorf("service: read storage height: %w", err)
	}
	if err := headers.Init(dbHeight, func(height int64) (*chain.Header, error) {
		return chain.FetchHeader(context.Background(), client, height)
	}); err != nil {
		return nil, fmt.Errorf("service: init header store: %w", err)
	}

	hub := subscribe.New(nil)

	txCodec := codec.DemoTxCodec{}
	mp := mempool.New(client, store, txCodec, func(addr string) {
		c.Invalidate(addr)
		hub.EnqueueAddress(addr)
	})

	applier := &catchup.BlockApplier{Store: store, Cache: c, Hub: hub, TxCodec: txCodec}
	worker, err := catchup.New(client, store, headers, applier, mp, hub, flagsState, cfg.LevelDB.TestReorgs)
	if err != nil {
		return nil, fmt.Errorf("service: build catch-up worker: %w", err)
	}

	resolver := &claims.Resolver{
		Client:  client,
		Store:   store,
		Cache:   c,
		Parser:  codec.DefaultURIParser{},
		Decoder: codec.DemoClaimDecoder{},
	}

	router := rpcsrv.New(store, c, mp, client, headers, hub, resolver, worker.RelayFee)

	queue := bus.NewQueue(requestQueueCapacity)
	server := bus.NewServer(rpcAddr, queue, hub)
	hub.SetBus(server)

	return &Service{
		Config:  cfg,
		Client:  client,
		Headers: headers,
		Store:   store,
		Cache:   c,
		Mempool: mp,
		Hub:     hub,
		Shared:  flagsState,
		Worker:  worker,
		Router:  router,
		Queue:   queue,
		Bus:     server,
	}, nil
}

// Start implements the Lifecycle interface (mive/backend.go's Mive.Start
// pattern): launch the catch-up worker, the request-queue drain loop, and
// the session bus listener as background goroutines.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.Worker.Run(ctx)
	go s.Queue.Run(ctx, s.Router)

	if err := s.Bus.Start(); err != nil {
		cancel()
		return err
	}
	return nil
}

// Stop implements the Lifecycle interface: signal every loop to exit,
// close the session bus listener, and flush the header store and Storage.
func (s *Service) Stop(ctx context.Context) error {
	s.Shared.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.Bus.Stop(); err != nil {
		log.Error("Failed to stop session bus", "err", err)
	}
	s.Client.Close()
	if err := s.Headers.Close(); err != nil {
		log.Error("Failed to close header store", "err", err)
	}
	return s.Store.Close()
}
