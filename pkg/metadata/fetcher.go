// Package metadata retrieves the info dictionary of a torrent from a
// single peer over the BitTorrent wire protocol with the ut_metadata
// extension (BEP-9/BEP-10).
package metadata

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"dht-spider/pkg/krpc"
)

// Outcome classifies one fetch attempt. Everything except Success feeds
// the scheduler's failure accounting.
type Outcome int

const (
	Success Outcome = iota
	HandshakeFail
	ProtocolFail
	HashMismatch
	Timeout
	ConnRefused
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case HandshakeFail:
		return "handshake_fail"
	case ProtocolFail:
		return "protocol_fail"
	case HashMismatch:
		return "hash_mismatch"
	case Timeout:
		return "timeout"
	case ConnRefused:
		return "conn_refused"
	}
	return "unknown"
}

// Config holds the per-attempt tuning.
type Config struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxMetadataSize int
	ListenPort      int    // port advertised in the extended handshake
	UserAgent       string // v field of the extended handshake
}

// DefaultConfig returns the stock worker tuning.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:  15 * time.Second,
		ReadTimeout:     15 * time.Second,
		MaxMetadataSize: 10 << 20,
		ListenPort:      6881,
		UserAgent:       "dht-spider",
	}
}

// Result is the terminal state of one fetch. Info is the verified raw
// info dictionary, set only on Success.
type Result struct {
	Outcome Outcome
	Info    []byte
}

// Fetch connects to addr and runs the full exchange: handshake, extended
// handshake, piece loop, SHA-1 verification. The worker owns the TCP
// socket for the lifetime of the attempt.
func Fetch(ctx context.Context, config *Config, infohash krpc.ID, addr string) Result {
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return Result{Outcome: outcomeForErr(err, ConnRefused)}
	}
	defer conn.Close()

	s := &session{conn: conn, config: config, infohash: infohash}

	if o := s.handshake(); o != Success {
		return Result{Outcome: o}
	}
	ut, size, o := s.extHandshake()
	if o != Success {
		return Result{Outcome: o}
	}
	info, o := s.fetchPieces(ut, size)
	if o != Success {
		return Result{Outcome: o}
	}
	return Result{Outcome: Success, Info: info}
}

// outcomeForErr maps transport errors onto outcomes: timeouts are
// reported as Timeout, refused connections as ConnRefused, anything else
// as the caller's fallback.
func outcomeForErr(err error, fallback Outcome) Outcome {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnRefused
	}
	return fallback
}
