package dht

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"

	"dht-spider/pkg/krpc"
)

// BootstrapStore persists known-good DHT contacts between runs so the
// crawler can rejoin the overlay without hammering the public bootstrap
// hosts. Entries are deduplicated on node ID and capped.
type BootstrapStore struct {
	path string
	cap  int

	mu    sync.Mutex
	byID  map[krpc.ID]krpc.Node
	order []krpc.ID
}

type bootstrapRecord struct {
	NID  string `json:"nid_hex"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NewBootstrapStore creates an empty store backed by path.
func NewBootstrapStore(path string, cap int) *BootstrapStore {
	return &BootstrapStore{
		path: path,
		cap:  cap,
		byID: make(map[krpc.ID]krpc.Node),
	}
}

// Load reads persisted contacts, at most cap of them. A missing file is
// not an error; the store just starts empty. Malformed lines are skipped;
// other open or read errors are returned.
func (s *BootstrapStore) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec bootstrapRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		raw, err := hex.DecodeString(rec.NID)
		if err != nil {
			continue
		}
		id, ok := krpc.ParseID(raw)
		if !ok {
			continue
		}
		ip := net.ParseIP(rec.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		if rec.Port < 1 || rec.Port > 65535 {
			continue
		}
		s.add(krpc.Node{ID: id, IP: ip, Port: rec.Port})
	}
	return sc.Err()
}

// Record remembers candidate nodes observed during healthy operation.
func (s *BootstrapStore) Record(nodes []krpc.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.addLocked(n)
	}
}

func (s *BootstrapStore) add(n krpc.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(n)
}

func (s *BootstrapStore) addLocked(n krpc.Node) {
	if _, ok := s.byID[n.ID]; ok {
		s.byID[n.ID] = n
		return
	}
	if len(s.order) >= s.cap {
		return
	}
	s.byID[n.ID] = n
	s.order = append(s.order, n.ID)
}

// Nodes returns a snapshot of the stored contacts.
func (s *BootstrapStore) Nodes() []krpc.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]krpc.Node, 0, len(s.order))
	for _, id := range s.order {
		nodes = append(nodes, s.byID[id])
	}
	return nodes
}

// Len reports the number of stored contacts.
func (s *BootstrapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Persist rewrites the state file atomically.
func (s *BootstrapStore) Persist() error {
	nodes := s.Nodes()

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".bootstrap-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, n := range nodes {
		ip4 := n.IP.To4()
		if ip4 == nil {
			continue
		}
		rec := bootstrapRecord{
			NID:  hex.EncodeToString(n.ID[:]),
			IP:   ip4.String(),
			Port: n.Port,
		}
		if err := enc.Encode(&rec); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
