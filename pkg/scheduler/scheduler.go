// Package scheduler owns the (infohash, peer) job queue and everything
// that gates it: the seen window, the per-infohash failure counter, the
// bad-peer blacklist and the pool of known-good metadata peers. It
// dispatches jobs to metadata workers under a concurrency cap.
package scheduler

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"dht-spider/pkg/krpc"
	"dht-spider/pkg/logging"
	"dht-spider/pkg/metadata"
)

// Job is one metadata fetch attempt against one peer.
type Job struct {
	InfoHash krpc.ID
	Addr     string // ip:port
}

// FetchFunc runs one metadata exchange. Injected so tests can stub the
// wire protocol.
type FetchFunc func(ctx context.Context, infohash krpc.ID, addr string) metadata.Result

// Store receives verified info dictionaries.
type Store interface {
	Store(infohash krpc.ID, info []byte, peer string)
}

// Config holds the scheduler knobs.
type Config struct {
	QueueSize    int           // job queue capacity
	Workers      int64         // concurrency cap
	SeenWindow   time.Duration // (infohash, peer) dedup window
	SeenMax      int           // seen set hard cap
	FailLimit    int           // failures before an infohash is blacklisted
	FailCooldown time.Duration // infohash blacklist duration
	BadPeerTTL   time.Duration // peer blacklist duration
	PoolHint     int           // pooled peers tried per accepted infohash
	Grace        time.Duration // shutdown wait for in-flight workers
	Heartbeat    time.Duration
}

// DefaultConfig returns the stock scheduler tuning.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:    10000,
		Workers:      100,
		SeenWindow:   10 * time.Minute,
		SeenMax:      60000,
		FailLimit:    20,
		FailCooldown: 10 * time.Minute,
		BadPeerTTL:   15 * time.Minute,
		PoolHint:     5,
		Grace:        5 * time.Second,
		Heartbeat:    5 * time.Second,
	}
}

type seenKey struct {
	infohash krpc.ID
	addr     string
}

type failEntry struct {
	count int
	until time.Time // blacklist deadline once count reaches the limit
}

// Scheduler is the dispatcher. It implements dht.Sink.
type Scheduler struct {
	config  *Config
	log     logging.Logger
	fetch   FetchFunc
	storage Store
	pool    *PeerStore

	jobs chan Job
	sem  *semaphore.Weighted

	seenMu sync.Mutex
	seen   map[seenKey]time.Time

	failMu sync.Mutex
	fail   map[krpc.ID]*failEntry

	badMu sync.Mutex
	bad   map[string]time.Time

	okCount   int64
	failCount int64
	intakeOff atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler. pool may be freshly loaded or empty.
func New(config *Config, log logging.Logger, pool *PeerStore, storage Store, fetch FetchFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  config,
		log:     log,
		fetch:   fetch,
		storage: storage,
		pool:    pool,
		jobs:    make(chan Job, config.QueueSize),
		sem:     semaphore.NewWeighted(config.Workers),
		seen:    make(map[seenKey]time.Time),
		fail:    make(map[krpc.ID]*failEntry),
		bad:     make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run starts the dispatch, heartbeat and janitor loops.
func (s *Scheduler) Run() {
	s.wg.Add(3)
	go s.dispatchLoop()
	go s.heartbeatLoop()
	go s.janitorLoop()
}

// Stop closes intake, waits up to the grace period for in-flight
// workers, then cancels everything and flushes the peer pool.
func (s *Scheduler) Stop() {
	s.intakeOff.Store(true)

	gctx, gcancel := context.WithTimeout(context.Background(), s.config.Grace)
	defer gcancel()
	if err := s.sem.Acquire(gctx, s.config.Workers); err == nil {
		s.sem.Release(s.config.Workers)
	}

	s.cancel()
	s.wg.Wait()

	if err := s.pool.Persist(); err != nil {
		s.log.Warn("peer pool persist failed", "err", err)
	}
}

// Harvest implements dht.Sink. On accept it also tries up to PoolHint
// pooled peers for the same infohash, raising the odds on torrents the
// observed peer cannot serve.
func (s *Scheduler) Harvest(infohash krpc.ID, addr *net.UDPAddr) {
	peer := net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
	if !s.Enqueue(infohash, peer) {
		return
	}
	for _, pooled := range s.pool.Sample(s.config.PoolHint) {
		if pooled != peer {
			s.Enqueue(infohash, pooled)
		}
	}
}

// Enqueue admits one job unless it is a duplicate within the seen
// window, the peer is blacklisted, the infohash is over its failure
// limit, or the queue is full. All rejections are silent.
func (s *Scheduler) Enqueue(infohash krpc.ID, addr string) bool {
	if s.intakeOff.Load() {
		return false
	}
	if s.peerBad(addr) || s.infohashBlocked(infohash) {
		return false
	}

	key := seenKey{infohash: infohash, addr: addr}
	now := time.Now()

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if ts, ok := s.seen[key]; ok && now.Sub(ts) < s.config.SeenWindow {
		return false
	}

	select {
	case s.jobs <- Job{InfoHash: infohash, Addr: addr}:
	default:
		return false
	}

	if len(s.seen) >= s.config.SeenMax {
		s.seen = make(map[seenKey]time.Time)
	}
	s.seen[key] = now

	s.log.Info("infohash queued", "infohash", infohash.Hex(), "peer", addr)
	return true
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			s.sem.Release(1)
			return
		case job := <-s.jobs:
			go func() {
				defer s.sem.Release(1)
				s.work(job)
			}()
		}
	}
}

func (s *Scheduler) work(job Job) {
	res := s.fetch(s.ctx, job.InfoHash, job.Addr)
	hid := job.InfoHash.Hex()
	s.log.Meta(res.Outcome.String(), hid, job.Addr)

	if res.Outcome == metadata.Success {
		atomic.AddInt64(&s.okCount, 1)
		s.resetFailures(job.InfoHash)
		s.pool.MarkOK(job.Addr)
		s.storage.Store(job.InfoHash, res.Info, job.Addr)
		return
	}

	atomic.AddInt64(&s.failCount, 1)
	s.recordFailure(job.InfoHash)
	s.markBad(job.Addr)
}

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.badMu.Lock()
			badN := len(s.bad)
			s.badMu.Unlock()
			s.seenMu.Lock()
			seenN := len(s.seen)
			s.seenMu.Unlock()

			s.log.Status(
				"q", len(s.jobs),
				"bad", badN,
				"seen", seenN,
				"pool", s.pool.Len(),
				"ok", atomic.LoadInt64(&s.okCount),
				"fail", atomic.LoadInt64(&s.failCount),
			)
		}
	}
}

// janitorLoop prunes expired entries so the maps stay bounded even
// without traffic to the same keys.
func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			s.seenMu.Lock()
			for k, ts := range s.seen {
				if now.Sub(ts) >= s.config.SeenWindow {
					delete(s.seen, k)
				}
			}
			s.seenMu.Unlock()

			s.badMu.Lock()
			for addr, until := range s.bad {
				if !until.After(now) {
					delete(s.bad, addr)
				}
			}
			s.badMu.Unlock()

			s.failMu.Lock()
			for ih, e := range s.fail {
				if e.count >= s.config.FailLimit && !e.until.After(now) {
					delete(s.fail, ih)
				}
			}
			s.failMu.Unlock()
		}
	}
}

func (s *Scheduler) peerBad(addr string) bool {
	s.badMu.Lock()
	defer s.badMu.Unlock()
	until, ok := s.bad[addr]
	if !ok {
		return false
	}
	if !until.After(time.Now()) {
		delete(s.bad, addr)
		return false
	}
	return true
}

func (s *Scheduler) markBad(addr string) {
	s.badMu.Lock()
	s.bad[addr] = time.Now().Add(s.config.BadPeerTTL)
	s.badMu.Unlock()
}

func (s *Scheduler) infohashBlocked(infohash krpc.ID) bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	e, ok := s.fail[infohash]
	if !ok || e.count < s.config.FailLimit {
		return false
	}
	if !e.until.After(time.Now()) {
		delete(s.fail, infohash)
		return false
	}
	return true
}

func (s *Scheduler) recordFailure(infohash krpc.ID) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	e, ok := s.fail[infohash]
	if !ok {
		e = &failEntry{}
		s.fail[infohash] = e
	}
	e.count++
	if e.count == s.config.FailLimit {
		e.until = time.Now().Add(s.config.FailCooldown)
	}
}

func (s *Scheduler) resetFailures(infohash krpc.ID) {
	s.failMu.Lock()
	delete(s.fail, infohash)
	s.failMu.Unlock()
}

// QueueLen reports the number of queued jobs.
func (s *Scheduler) QueueLen() int {
	return len(s.jobs)
}
