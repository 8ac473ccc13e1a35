package metadata

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"dht-spider/pkg/krpc"
)

const (
	btProtocol     = "BitTorrent protocol"
	msgExtended    = 20
	extHandshakeID = 0

	// localMetadataID is the ut_metadata message id we advertise; peers
	// address their data/reject messages to it.
	localMetadataID = 1

	pieceSize = 16384
	maxFrame  = pieceSize + 4096
)

var errKeepAlive = errors.New("keep-alive")

// extHandshake is the BEP-10 handshake payload.
type extHandshake struct {
	M    map[string]int64 `bencode:"m"`
	Port int64            `bencode:"p,omitempty"`
	V    string           `bencode:"v,omitempty"`

	MetadataSize int64 `bencode:"metadata_size,omitempty"`
}

// pieceHeader is the bencoded prefix of every ut_metadata message
// (BEP-9). For data messages the raw piece bytes follow it in the same
// frame.
type pieceHeader struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// session drives one metadata exchange over an established TCP
// connection.
type session struct {
	conn     net.Conn
	config   *Config
	infohash krpc.ID
}

// handshake runs the 68-byte BitTorrent handshake, advertising the
// extension protocol bit, and checks the echoed infohash. The remote
// peer id is ignored.
func (s *session) handshake() Outcome {
	out := make([]byte, 0, 68)
	out = append(out, byte(len(btProtocol)))
	out = append(out, btProtocol...)
	reserved := make([]byte, 8)
	reserved[5] |= 0x10
	out = append(out, reserved...)
	out = append(out, s.infohash[:]...)
	peerID := krpc.RandomID()
	out = append(out, peerID[:]...)

	s.conn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout))
	if _, err := s.conn.Write(out); err != nil {
		return outcomeForErr(err, HandshakeFail)
	}

	in := make([]byte, 68)
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	if _, err := io.ReadFull(s.conn, in); err != nil {
		return outcomeForErr(err, HandshakeFail)
	}
	if in[0] != byte(len(btProtocol)) || string(in[1:20]) != btProtocol {
		return HandshakeFail
	}
	if !bytes.Equal(in[28:48], s.infohash[:]) {
		return HandshakeFail
	}
	return Success
}

// extHandshake exchanges BEP-10 handshakes and returns the peer's
// ut_metadata id and metadata size. Unrelated messages that arrive first
// (bitfield, have, …) are discarded.
func (s *session) extHandshake() (int64, int64, Outcome) {
	payload, err := bencode.EncodeBytes(&extHandshake{
		M:    map[string]int64{"ut_metadata": localMetadataID},
		Port: int64(s.config.ListenPort),
		V:    s.config.UserAgent,
	})
	if err != nil {
		return 0, 0, ProtocolFail
	}
	if o := s.writeMessage(extHandshakeID, payload); o != Success {
		return 0, 0, o
	}

	for {
		id, sub, body, err := s.readMessage()
		if err != nil {
			if errors.Is(err, errKeepAlive) {
				continue
			}
			return 0, 0, outcomeForErr(err, ProtocolFail)
		}
		if id != msgExtended || sub != extHandshakeID {
			continue
		}

		var hs extHandshake
		if err := bencode.DecodeBytes(body, &hs); err != nil {
			return 0, 0, ProtocolFail
		}
		ut, ok := hs.M["ut_metadata"]
		if !ok || ut <= 0 {
			return 0, 0, ProtocolFail
		}
		if hs.MetadataSize <= 0 || hs.MetadataSize > int64(s.config.MaxMetadataSize) {
			return 0, 0, ProtocolFail
		}
		return ut, hs.MetadataSize, Success
	}
}

// fetchPieces requests every metadata piece and assembles them by index.
// Pieces may arrive out of order; duplicates are ignored.
func (s *session) fetchPieces(ut, size int64) ([]byte, Outcome) {
	n := int((size + pieceSize - 1) / pieceSize)
	pieces := make([][]byte, n)
	remaining := n

	for i := 0; i < n; i++ {
		header, err := bencode.EncodeBytes(&pieceHeader{MsgType: 0, Piece: int64(i)})
		if err != nil {
			return nil, ProtocolFail
		}
		if o := s.writeMessage(byte(ut), header); o != Success {
			return nil, o
		}
	}

	for remaining > 0 {
		id, sub, body, err := s.readMessage()
		if err != nil {
			if errors.Is(err, errKeepAlive) {
				continue
			}
			return nil, outcomeForErr(err, ProtocolFail)
		}
		if id != msgExtended || sub != localMetadataID {
			continue
		}

		end, err := scanValue(body, 0)
		if err != nil {
			return nil, ProtocolFail
		}
		var hdr pieceHeader
		if err := bencode.DecodeBytes(body[:end], &hdr); err != nil {
			return nil, ProtocolFail
		}

		switch hdr.MsgType {
		case 2:
			return nil, ProtocolFail
		case 1:
			idx := int(hdr.Piece)
			if idx < 0 || idx >= n {
				return nil, ProtocolFail
			}
			payload := body[end:]
			want := pieceSize
			if idx == n-1 {
				want = int(size) - pieceSize*(n-1)
			}
			if len(payload) != want {
				return nil, ProtocolFail
			}
			if pieces[idx] == nil {
				pieces[idx] = payload
				remaining--
			}
		}
	}

	buf := make([]byte, 0, size)
	for _, p := range pieces {
		buf = append(buf, p...)
	}
	if sha1.Sum(buf) != [20]byte(s.infohash) {
		return nil, HashMismatch
	}
	return buf, Success
}

// writeMessage frames one extended message: 4-byte length, message id
// 20, sub id, payload.
func (s *session) writeMessage(sub byte, payload []byte) Outcome {
	frame := make([]byte, 0, 6+len(payload))
	n := uint32(2 + len(payload))
	frame = append(frame, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	frame = append(frame, msgExtended, sub)
	frame = append(frame, payload...)

	s.conn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		return outcomeForErr(err, ProtocolFail)
	}
	return Success
}

// readMessage reads one length-prefixed message. Keep-alives surface as
// errKeepAlive; the sub id is -1 for non-extended messages.
func (s *session) readMessage() (id int, sub int, body []byte, err error) {
	var prefix [4]byte
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	if _, err = io.ReadFull(s.conn, prefix[:]); err != nil {
		return 0, 0, nil, err
	}
	length := int(prefix[0])<<24 | int(prefix[1])<<16 | int(prefix[2])<<8 | int(prefix[3])
	if length == 0 {
		return 0, 0, nil, errKeepAlive
	}
	if length > maxFrame {
		return 0, 0, nil, errors.New("metadata: oversized frame")
	}

	buf := make([]byte, length)
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	if _, err = io.ReadFull(s.conn, buf); err != nil {
		return 0, 0, nil, err
	}

	id = int(buf[0])
	if id != msgExtended || length < 2 {
		return id, -1, nil, nil
	}
	return id, int(buf[1]), buf[2:], nil
}

// scanValue returns the end offset of the bencoded value starting at i.
// It is used to split a ut_metadata data message into its header dict
// and the trailing piece bytes.
func scanValue(buf []byte, i int) (int, error) {
	if i >= len(buf) {
		return 0, errors.New("metadata: truncated bencode")
	}
	switch c := buf[i]; {
	case c == 'i':
		j := bytes.IndexByte(buf[i+1:], 'e')
		if j < 0 {
			return 0, errors.New("metadata: unterminated integer")
		}
		return i + 1 + j + 1, nil
	case c == 'l' || c == 'd':
		i++
		for {
			if i >= len(buf) {
				return 0, errors.New("metadata: unterminated container")
			}
			if buf[i] == 'e' {
				return i + 1, nil
			}
			end, err := scanValue(buf, i)
			if err != nil {
				return 0, err
			}
			i = end
		}
	case c >= '0' && c <= '9':
		colon := bytes.IndexByte(buf[i:], ':')
		if colon < 0 {
			return 0, errors.New("metadata: string without colon")
		}
		n, err := strconv.Atoi(string(buf[i : i+colon]))
		if err != nil || n < 0 {
			return 0, errors.New("metadata: bad string length")
		}
		end := i + colon + 1 + n
		if end > len(buf) {
			return 0, errors.New("metadata: truncated string")
		}
		return end, nil
	default:
		return 0, errors.New("metadata: invalid bencode byte")
	}
}
