package krpc

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/zeebo/bencode"
)

const (
	// IDLen is the length of node IDs and infohashes.
	IDLen = 20

	// CompactNodeLen is the wire size of one compact node entry:
	// 20-byte node ID + 4-byte IPv4 + 2-byte port.
	CompactNodeLen = 26
)

var ErrCompactLen = errors.New("krpc: compact node data is not a multiple of 26 bytes")

// ID is a 20-byte DHT identifier, used for both node IDs and infohashes.
type ID [IDLen]byte

// RandomID returns a fresh identifier: the SHA-1 of 20 random bytes.
func RandomID() ID {
	var seed [IDLen]byte
	rand.Read(seed[:])
	return ID(sha1.Sum(seed[:]))
}

// ParseID copies b into an ID. It reports false unless b is exactly 20 bytes.
func ParseID(b []byte) (ID, bool) {
	var id ID
	if len(b) != IDLen {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// NeighborID returns an ID whose first 19 bytes match target, with a random
// final byte. Announcing such an ID makes this node look maximally close to
// whoever owns target, which draws get_peers and announce_peer traffic.
func NeighborID(target ID) ID {
	var id ID
	copy(id[:], target[:IDLen-1])
	var b [1]byte
	rand.Read(b[:])
	id[IDLen-1] = b[0]
	return id
}

// Hex returns the upper-case hex form of the identifier.
func (id ID) Hex() string {
	return fmt.Sprintf("%X", id[:])
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Node is one DHT contact.
type Node struct {
	ID   ID
	IP   net.IP
	Port int
}

// Addr returns the node's UDP address.
func (n Node) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s:%d", n.ID, n.IP, n.Port)
}

// ParseCompactNodes decodes the "nodes" field of a find_node/get_peers
// response. The input must be a whole number of 26-byte entries.
func ParseCompactNodes(raw []byte) ([]Node, error) {
	if len(raw)%CompactNodeLen != 0 {
		return nil, ErrCompactLen
	}
	nodes := make([]Node, 0, len(raw)/CompactNodeLen)
	for i := 0; i+CompactNodeLen <= len(raw); i += CompactNodeLen {
		id, _ := ParseID(raw[i : i+IDLen])
		ip := net.IPv4(raw[i+20], raw[i+21], raw[i+22], raw[i+23])
		port := int(raw[i+24])<<8 | int(raw[i+25])
		nodes = append(nodes, Node{ID: id, IP: ip, Port: port})
	}
	return nodes, nil
}

// AppendCompactNode appends the 26-byte compact form of n to dst.
// Nodes without an IPv4 address are skipped.
func AppendCompactNode(dst []byte, n Node) []byte {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return dst
	}
	dst = append(dst, n.ID[:]...)
	dst = append(dst, ip4...)
	dst = append(dst, byte(n.Port>>8), byte(n.Port))
	return dst
}

// CompactNodes encodes a slice of nodes into compact wire form.
func CompactNodes(nodes []Node) []byte {
	buf := make([]byte, 0, len(nodes)*CompactNodeLen)
	for _, n := range nodes {
		buf = AppendCompactNode(buf, n)
	}
	return buf
}

// Message is a KRPC envelope. The same struct carries queries, responses
// and errors; unused fields stay empty.
type Message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

// Encode serializes the message to canonical bencode.
func (m *Message) Encode() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// Decode parses one KRPC message from a datagram.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := bencode.DecodeBytes(data, &m); err != nil {
		return nil, err
	}
	if m.Y == "" {
		return nil, errors.New("krpc: message without y field")
	}
	return &m, nil
}

// ArgString returns a byte-string argument of a query.
func (m *Message) ArgString(key string) (string, bool) {
	if m.A == nil {
		return "", false
	}
	s, ok := m.A[key].(string)
	return s, ok
}

// ArgInt returns an integer argument of a query.
func (m *Message) ArgInt(key string) (int64, bool) {
	if m.A == nil {
		return 0, false
	}
	n, ok := m.A[key].(int64)
	return n, ok
}

// NewTID returns a short random transaction id. The crawler keeps no
// correlation table, so two bytes of entropy are plenty.
func NewTID() string {
	var b [2]byte
	rand.Read(b[:])
	return string(b[:])
}
