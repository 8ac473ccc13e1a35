// Package dht implements a Kademlia KRPC endpoint tuned for harvesting
// infohashes rather than for content lookup. It answers the four standard
// queries, churns its routing deque with find_node probes, and hands every
// observed (infohash, peer) pair to a Sink.
package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dht-spider/pkg/krpc"
	"dht-spider/pkg/logging"
)

// Sink receives infohash observations. Implementations must not block;
// when the downstream queue is full the observation is dropped.
type Sink interface {
	Harvest(infohash krpc.ID, addr *net.UDPAddr)
}

// Config holds the engine knobs.
type Config struct {
	Bind           string        // UDP listen address
	QueryRate      int           // outbound find_node per second
	DequeSize      int           // routing deque capacity
	RejoinInterval time.Duration // deque-empty check period
	SecretRotate   time.Duration // token secret lifetime
	BootstrapHosts []string      // DNS fallback contacts
	StorePath      string        // bootstrap store file
	StoreCap       int
}

// DefaultConfig returns the stock crawler tuning.
func DefaultConfig() *Config {
	return &Config{
		Bind:           "0.0.0.0:6881",
		QueryRate:      200,
		DequeSize:      1000,
		RejoinInterval: 3 * time.Second,
		SecretRotate:   5 * time.Minute,
		BootstrapHosts: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		StorePath: "state/bootstrap_nodes.jsonl",
		StoreCap:  200,
	}
}

// Engine is the single-socket DHT endpoint. Three goroutines share the
// socket: the recv loop (which also sends replies), the loop that drains
// the routing deque, and the rejoin loop that re-seeds it.
type Engine struct {
	config *Config
	log    logging.Logger
	sink   Sink
	store  *BootstrapStore

	conn    *net.UDPConn
	selfID  krpc.ID
	nodes   chan krpc.Node
	limiter *rate.Limiter

	secretMu   sync.RWMutex
	secret     [20]byte
	prevSecret [20]byte

	recentMu sync.Mutex
	recent   []krpc.Node // last few discovered nodes, served in find_node replies

	rx        int64
	tx        int64
	qGetPeers int64
	qAnnounce int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the UDP socket and loads the bootstrap store. A bind failure
// is the one fatal error of the whole program.
func New(config *Config, log logging.Logger, sink Sink) (*Engine, error) {
	addr, err := net.ResolveUDPAddr("udp4", config.Bind)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:  config,
		log:     log,
		sink:    sink,
		store:   NewBootstrapStore(config.StorePath, config.StoreCap),
		conn:    conn,
		selfID:  krpc.RandomID(),
		nodes:   make(chan krpc.Node, config.DequeSize),
		limiter: rate.NewLimiter(rate.Limit(config.QueryRate), config.QueryRate),
		ctx:     ctx,
		cancel:  cancel,
	}
	rand.Read(e.secret[:])
	e.prevSecret = e.secret

	if err := e.store.Load(); err != nil {
		log.Warn("bootstrap store load failed", "path", config.StorePath, "err", err)
	}
	return e, nil
}

// Start launches the engine loops.
func (e *Engine) Start() {
	e.log.Info("dht engine listening", "addr", e.conn.LocalAddr().String())

	e.wg.Add(3)
	go e.recvLoop()
	go e.findNodeLoop()
	go e.rejoinLoop()
}

// Stop closes the socket, waits for the loops and flushes the store.
func (e *Engine) Stop() {
	e.cancel()
	e.conn.Close()
	e.wg.Wait()

	if err := e.store.Persist(); err != nil {
		e.log.Warn("bootstrap store persist failed", "err", err)
	}
}

// recvLoop reads datagrams and dispatches them. Malformed packets are
// dropped without a reply.
func (e *Engine) recvLoop() {
	defer e.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.log.Warn("udp recv error", "err", err)
			continue
		}
		atomic.AddInt64(&e.rx, 1)

		msg, err := krpc.Decode(buf[:n])
		if err != nil {
			continue
		}
		e.handleMessage(msg, addr)
	}
}

func (e *Engine) handleMessage(msg *krpc.Message, addr *net.UDPAddr) {
	switch msg.Y {
	case "r":
		e.handleResponse(msg, addr)
	case "q":
		e.handleQuery(msg, addr)
	}
	// KRPC error messages are dropped.
}

// handleResponse feeds discovered nodes into the routing deque. There is
// no transaction table: anything that looks like a nodes response counts.
func (e *Engine) handleResponse(msg *krpc.Message, addr *net.UDPAddr) {
	if msg.R == nil {
		return
	}
	raw, ok := msg.R["nodes"].(string)
	if !ok {
		return
	}
	nodes, err := krpc.ParseCompactNodes([]byte(raw))
	if err != nil || len(nodes) == 0 {
		return
	}

	if e.healthy() {
		e.store.Record(nodes[:min(len(nodes), 8)])
	}

	for _, n := range nodes {
		if n.Port < 1 || n.Port > 65535 {
			continue
		}
		if n.IP.IsLoopback() || n.IP.IsUnspecified() {
			continue
		}
		e.remember(n)
		select {
		case e.nodes <- n:
		default:
			// Deque full; churn tolerates the loss.
		}
	}
}

func (e *Engine) handleQuery(msg *krpc.Message, addr *net.UDPAddr) {
	switch msg.Q {
	case "ping":
		e.reply(msg.T, map[string]interface{}{"id": string(e.selfID[:])}, addr)

	case "find_node":
		e.onFindNode(msg, addr)

	case "get_peers":
		e.onGetPeers(msg, addr)

	case "announce_peer":
		e.onAnnouncePeer(msg, addr)

	default:
		e.sendError(msg.T, 202, "Server Error", addr)
	}
}

// onFindNode replies with a handful of recently seen nodes under a
// spoofed ID adjacent to the requested target.
func (e *Engine) onFindNode(msg *krpc.Message, addr *net.UDPAddr) {
	raw, ok := msg.ArgString("target")
	if !ok {
		return
	}
	target, ok := krpc.ParseID([]byte(raw))
	if !ok {
		return
	}
	e.reply(msg.T, map[string]interface{}{
		"id":    string(idBytes(krpc.NeighborID(target))),
		"nodes": string(krpc.CompactNodes(e.recentNodes())),
	}, addr)
}

// onGetPeers harvests the infohash and answers with a token and an empty
// node list, keeping the asker talking to us.
func (e *Engine) onGetPeers(msg *krpc.Message, addr *net.UDPAddr) {
	raw, ok := msg.ArgString("info_hash")
	if !ok {
		return
	}
	infohash, ok := krpc.ParseID([]byte(raw))
	if !ok {
		return
	}
	atomic.AddInt64(&e.qGetPeers, 1)

	e.reply(msg.T, map[string]interface{}{
		"id":    string(idBytes(krpc.NeighborID(infohash))),
		"nodes": "",
		"token": string(e.token(addr)),
	}, addr)

	e.sink.Harvest(infohash, addr)
}

// onAnnouncePeer harvests the infohash together with the peer's BT port.
// With implied_port set, the UDP source port is the BT port (BEP-5).
func (e *Engine) onAnnouncePeer(msg *krpc.Message, addr *net.UDPAddr) {
	raw, ok := msg.ArgString("info_hash")
	if !ok {
		return
	}
	infohash, ok := krpc.ParseID([]byte(raw))
	if !ok {
		return
	}
	atomic.AddInt64(&e.qAnnounce, 1)

	defer e.reply(msg.T, map[string]interface{}{"id": string(idBytes(e.selfID))}, addr)

	token, _ := msg.ArgString("token")
	if !e.validToken([]byte(token), addr) {
		return
	}

	port := addr.Port
	if implied, _ := msg.ArgInt("implied_port"); implied == 0 {
		p, ok := msg.ArgInt("port")
		if !ok || p < 1 || p > 65535 {
			return
		}
		port = int(p)
	}

	e.sink.Harvest(infohash, &net.UDPAddr{IP: addr.IP, Port: port})
	if port != addr.Port {
		e.sink.Harvest(infohash, addr)
	}
}

// findNodeLoop continually drains one node from the deque and probes it
// for more contacts, paced by the token bucket.
func (e *Engine) findNodeLoop() {
	defer e.wg.Done()

	for {
		if err := e.limiter.Wait(e.ctx); err != nil {
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case n := <-e.nodes:
			e.sendFindNode(n.Addr(), krpc.NeighborID(n.ID))
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// rejoinLoop watches the deque and re-seeds it from the bootstrap store
// and the DNS hosts whenever it runs dry. It also reports status, rotates
// the token secret and persists the store while the deque is healthy.
func (e *Engine) rejoinLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RejoinInterval)
	defer ticker.Stop()

	rotate := time.NewTicker(e.config.SecretRotate)
	defer rotate.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-rotate.C:
			e.rotateSecret()
		case <-ticker.C:
			e.log.Status(
				"rx", atomic.LoadInt64(&e.rx),
				"tx", atomic.LoadInt64(&e.tx),
				"nodes", len(e.nodes),
				"announce", atomic.LoadInt64(&e.qAnnounce),
				"get_peers", atomic.LoadInt64(&e.qGetPeers),
			)
			if len(e.nodes) == 0 {
				e.join()
			} else if e.healthy() {
				if err := e.store.Persist(); err != nil {
					e.log.Warn("bootstrap store persist failed", "err", err)
				}
			}
		}
	}
}

// join probes every stored contact, then the well-known DNS hosts.
func (e *Engine) join() {
	for _, n := range e.store.Nodes() {
		if e.limiter.Wait(e.ctx) != nil {
			return
		}
		e.sendFindNode(n.Addr(), krpc.NeighborID(n.ID))
	}
	for _, host := range e.config.BootstrapHosts {
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			e.log.Warn("bootstrap resolve failed", "host", host, "err", err)
			continue
		}
		if e.limiter.Wait(e.ctx) != nil {
			return
		}
		e.sendFindNode(addr, e.selfID)
	}
}

func (e *Engine) sendFindNode(addr *net.UDPAddr, selfID krpc.ID) {
	target := krpc.RandomID()
	msg := &krpc.Message{
		T: krpc.NewTID(),
		Y: "q",
		Q: "find_node",
		A: map[string]interface{}{
			"id":     string(idBytes(selfID)),
			"target": string(idBytes(target)),
		},
	}
	e.send(msg, addr)
}

func (e *Engine) reply(tid string, r map[string]interface{}, addr *net.UDPAddr) {
	e.send(&krpc.Message{T: tid, Y: "r", R: r}, addr)
}

func (e *Engine) sendError(tid string, code int64, text string, addr *net.UDPAddr) {
	e.send(&krpc.Message{T: tid, Y: "e", E: []interface{}{code, text}}, addr)
}

func (e *Engine) send(msg *krpc.Message, addr *net.UDPAddr) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if _, err := e.conn.WriteToUDP(data, addr); err == nil {
		atomic.AddInt64(&e.tx, 1)
	}
}

// token derives an 8-byte token bound to the sender address. A rotating
// secret keeps old tokens valid for one extra rotation period.
func (e *Engine) token(addr *net.UDPAddr) []byte {
	e.secretMu.RLock()
	secret := e.secret
	e.secretMu.RUnlock()
	return tokenFor(secret, addr)
}

func (e *Engine) validToken(token []byte, addr *net.UDPAddr) bool {
	e.secretMu.RLock()
	secret, prev := e.secret, e.prevSecret
	e.secretMu.RUnlock()
	if len(token) != 8 {
		return false
	}
	if string(token) == string(tokenFor(secret, addr)) {
		return true
	}
	return string(token) == string(tokenFor(prev, addr))
}

func (e *Engine) rotateSecret() {
	e.secretMu.Lock()
	e.prevSecret = e.secret
	rand.Read(e.secret[:])
	e.secretMu.Unlock()
}

func tokenFor(secret [20]byte, addr *net.UDPAddr) []byte {
	h := sha1.New()
	h.Write(secret[:])
	h.Write(addr.IP.To16())
	h.Write([]byte{byte(addr.Port >> 8), byte(addr.Port)})
	return h.Sum(nil)[:8]
}

// remember keeps a small window of recently discovered nodes for
// find_node replies.
func (e *Engine) remember(n krpc.Node) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	if len(e.recent) < 8 {
		e.recent = append(e.recent, n)
		return
	}
	copy(e.recent, e.recent[1:])
	e.recent[len(e.recent)-1] = n
}

func (e *Engine) recentNodes() []krpc.Node {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	out := make([]krpc.Node, len(e.recent))
	copy(out, e.recent)
	return out
}

// healthy reports whether the deque holds enough contacts to trust what
// we are hearing from the overlay.
func (e *Engine) healthy() bool {
	return len(e.nodes) > e.config.DequeSize/2
}

func idBytes(id krpc.ID) []byte {
	return id[:]
}
