package metadata

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zeebo/bencode"

	"dht-spider/pkg/krpc"
)

func testConfig() *Config {
	c := DefaultConfig()
	c.ConnectTimeout = 2 * time.Second
	c.ReadTimeout = 2 * time.Second
	return c
}

// mockPeer is a scripted remote serving the ut_metadata exchange.
type mockPeer struct {
	t        *testing.T
	ln       net.Listener
	infohash krpc.ID // echoed in the handshake
	metadata []byte
	utID     byte
	reject   bool
	shuffled bool // deliver pieces in reverse order
}

func newMockPeer(t *testing.T) *mockPeer {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &mockPeer{t: t, ln: ln, utID: 3}
}

func (m *mockPeer) addr() string {
	return m.ln.Addr().String()
}

func (m *mockPeer) serve() {
	conn, err := m.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// BT handshake.
	hs := make([]byte, 68)
	if _, err := io.ReadFull(conn, hs); err != nil {
		return
	}
	reply := make([]byte, 68)
	copy(reply, hs)
	copy(reply[28:48], m.infohash[:])
	peerID := krpc.RandomID()
	copy(reply[48:68], peerID[:])
	conn.Write(reply)

	// Extended handshake.
	if _, _, _, err := readFrame(conn); err != nil {
		return
	}
	ext, _ := bencode.EncodeBytes(map[string]interface{}{
		"m":             map[string]interface{}{"ut_metadata": int64(m.utID)},
		"metadata_size": int64(len(m.metadata)),
	})
	writeFrame(conn, extHandshakeID, ext)

	// Piece requests. The client pipelines all of them.
	n := (len(m.metadata) + pieceSize - 1) / pieceSize
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		sub, body, _, err := readFrame(conn)
		if err != nil || sub != m.utID {
			return
		}
		var req pieceHeader
		if err := bencode.DecodeBytes(body, &req); err != nil || req.MsgType != 0 {
			return
		}
		order = append(order, int(req.Piece))
	}
	if m.shuffled {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	if m.reject {
		hdr, _ := bencode.EncodeBytes(&pieceHeader{MsgType: 2, Piece: 0})
		writeFrame(conn, localMetadataID, hdr)
		return
	}

	for _, idx := range order {
		start := idx * pieceSize
		end := start + pieceSize
		if end > len(m.metadata) {
			end = len(m.metadata)
		}
		hdr, _ := bencode.EncodeBytes(&pieceHeader{
			MsgType:   1,
			Piece:     int64(idx),
			TotalSize: int64(len(m.metadata)),
		})
		writeFrame(conn, localMetadataID, append(hdr, m.metadata[start:end]...))
	}
}

func readFrame(conn net.Conn) (sub byte, body []byte, id byte, err error) {
	var prefix [4]byte
	if _, err = io.ReadFull(conn, prefix[:]); err != nil {
		return 0, nil, 0, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	buf := make([]byte, length)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return 0, nil, 0, err
	}
	return buf[1], buf[2:], buf[0], nil
}

func writeFrame(conn net.Conn, sub byte, payload []byte) {
	frame := make([]byte, 4, 6+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(2+len(payload)))
	frame = append(frame, msgExtended, sub)
	frame = append(frame, payload...)
	conn.Write(frame)
}

func randomMetadata(t *testing.T, size int) ([]byte, krpc.ID) {
	blob := make([]byte, size)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return blob, krpc.ID(sha1.Sum(blob))
}

func TestFetchFullMetadata(t *testing.T) {
	blob, infohash := randomMetadata(t, 40000)

	peer := newMockPeer(t)
	peer.infohash = infohash
	peer.metadata = blob
	go peer.serve()

	res := Fetch(context.Background(), testConfig(), infohash, peer.addr())
	if res.Outcome != Success {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}
	if !bytes.Equal(res.Info, blob) {
		t.Fatalf("info dict differs from served metadata")
	}
}

func TestFetchOutOfOrderPieces(t *testing.T) {
	blob, infohash := randomMetadata(t, 3*pieceSize+777)

	peer := newMockPeer(t)
	peer.infohash = infohash
	peer.metadata = blob
	peer.shuffled = true
	go peer.serve()

	res := Fetch(context.Background(), testConfig(), infohash, peer.addr())
	if res.Outcome != Success {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}
	if !bytes.Equal(res.Info, blob) {
		t.Fatalf("reassembly by index failed")
	}
}

func TestFetchHandshakeMismatch(t *testing.T) {
	blob, infohash := randomMetadata(t, 1000)

	peer := newMockPeer(t)
	peer.infohash = krpc.RandomID() // echoes the wrong infohash
	peer.metadata = blob
	go peer.serve()

	res := Fetch(context.Background(), testConfig(), infohash, peer.addr())
	if res.Outcome != HandshakeFail {
		t.Fatalf("outcome = %v, want handshake_fail", res.Outcome)
	}
}

func TestFetchHashMismatch(t *testing.T) {
	blob, infohash := randomMetadata(t, 20000)
	corrupt := append([]byte(nil), blob...)
	corrupt[123] ^= 0xff

	peer := newMockPeer(t)
	peer.infohash = infohash
	peer.metadata = corrupt
	go peer.serve()

	res := Fetch(context.Background(), testConfig(), infohash, peer.addr())
	if res.Outcome != HashMismatch {
		t.Fatalf("outcome = %v, want hash_mismatch", res.Outcome)
	}
	if res.Info != nil {
		t.Fatalf("info must be discarded on hash mismatch")
	}
}

func TestFetchReject(t *testing.T) {
	blob, infohash := randomMetadata(t, 5000)

	peer := newMockPeer(t)
	peer.infohash = infohash
	peer.metadata = blob
	peer.reject = true
	go peer.serve()

	res := Fetch(context.Background(), testConfig(), infohash, peer.addr())
	if res.Outcome != ProtocolFail {
		t.Fatalf("outcome = %v, want protocol_fail", res.Outcome)
	}
}

func TestFetchConnRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := Fetch(context.Background(), testConfig(), krpc.RandomID(), addr)
	if res.Outcome != ConnRefused {
		t.Fatalf("outcome = %v, want conn_refused", res.Outcome)
	}
}

func TestScanValue(t *testing.T) {
	cases := []struct {
		in  string
		end int
	}{
		{"i0e", 3},
		{"i-42e", 5},
		{"0:", 2},
		{"3:abc", 5},
		{"li1ei2ee", 8},
		{"d3:cow3:moo4:spam4:eggse", 24},
		{"d8:msg_typei1e5:piecei0e10:total_sizei40000eeXXXX", 45},
	}
	for _, c := range cases {
		end, err := scanValue([]byte(c.in), 0)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if end != c.end {
			t.Errorf("%q: end = %d, want %d", c.in, end, c.end)
		}
	}

	for _, in := range []string{"", "i12", "l", "d3:cow", "5:ab", "x"} {
		if _, err := scanValue([]byte(in), 0); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}
