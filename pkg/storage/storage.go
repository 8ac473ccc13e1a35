// Package storage turns verified info dictionaries into magnet log
// entries and, optionally, reconstructed .torrent files.
package storage

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	mapset "github.com/deckarep/golang-set"
	"github.com/zeebo/bencode"

	"dht-spider/pkg/krpc"
	"dht-spider/pkg/logging"
)

// Config holds the output knobs.
type Config struct {
	PrintOnly    bool   // -s: log only, no files
	MagnetLog    string // magnet log path
	SaveTorrents bool   // -b:1: write .torrent files
	TorrentDir   string
	MaxFileLines int // files listed per torrent in the log
}

// DefaultConfig returns the stock output settings.
func DefaultConfig() *Config {
	return &Config{
		MagnetLog:    "hash.log",
		SaveTorrents: true,
		TorrentDir:   "BT",
		MaxFileLines: 10,
	}
}

// Storage is the sink for verified metadata. Safe for concurrent use by
// workers.
type Storage struct {
	config *Config
	log    logging.Logger

	mu      sync.Mutex
	seen    mapset.Set // hex infohashes already written
	logFile *os.File
}

type torrentFile struct {
	Length   int64    `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8"`
}

type torrentInfo struct {
	Name     string        `bencode:"name"`
	NameUTF8 string        `bencode:"name.utf-8"`
	Length   int64         `bencode:"length"`
	Files    []torrentFile `bencode:"files"`
}

// New opens the magnet log and prepares the torrent directory. In
// print-only mode nothing touches the filesystem.
func New(config *Config, log logging.Logger) (*Storage, error) {
	s := &Storage{config: config, log: log, seen: mapset.NewSet()}

	if config.PrintOnly {
		return s, nil
	}

	f, err := os.OpenFile(config.MagnetLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.logFile = f

	if config.SaveTorrents {
		if err := os.MkdirAll(config.TorrentDir, 0o755); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close flushes and closes the magnet log.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// Store writes one verified torrent: a block in the magnet log and,
// when enabled, a .torrent file whose info dict is the received bytes
// verbatim, preserving the infohash.
func (s *Storage) Store(infohash krpc.ID, info []byte, peer string) {
	hid := infohash.Hex()
	if !s.seen.Add(hid) {
		return
	}

	var ti torrentInfo
	if err := bencode.DecodeBytes(info, &ti); err != nil {
		s.log.Warn("info dict decode failed", "infohash", hid, "err", err)
		return
	}

	name := displayText(ti.NameUTF8, ti.Name)
	size := ti.Length
	for _, f := range ti.Files {
		size += f.Length
	}

	magnet := "magnet:?xt=urn:btih:" + hid
	if name != "" {
		magnet += "&dn=" + url.QueryEscape(name)
	}

	s.log.TorrentBlock(hid, name, size, len(ti.Files), peer)

	if s.config.PrintOnly {
		return
	}

	s.appendBlock(hid, name, peer, magnet, ti.Files)

	if s.config.SaveTorrents {
		s.writeTorrent(hid, name, info)
	}
}

// appendBlock writes one torrent's block to the magnet log in a single
// write call, so blocks from concurrent workers never interleave.
func (s *Storage) appendBlock(hid, name, peer, magnet string, files []torrentFile) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "BT Name:%s\n", name)
	fmt.Fprintf(&b, "Sender:%s\n", peer)
	fmt.Fprintf(&b, "infohash:%s\n", hid)
	fmt.Fprintf(&b, "%s\n", magnet)
	for i, f := range files {
		if i == s.config.MaxFileLines {
			break
		}
		p := displayPath(f.PathUTF8, f.Path)
		fmt.Fprintf(&b, "   %s %d\n", p, f.Length)
	}
	b.WriteString("\n\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return
	}
	if _, err := s.logFile.Write(b.Bytes()); err != nil {
		s.log.Warn("magnet log write failed", "err", err)
	}
}

// writeTorrent reconstructs a minimal .torrent around the raw info dict.
func (s *Storage) writeTorrent(hid, name string, info []byte) {
	// d 8:announce 0: 4:info <raw> e  -- keys already in sorted order.
	data := make([]byte, 0, len(info)+32)
	data = append(data, "d8:announce0:4:info"...)
	data = append(data, info...)
	data = append(data, 'e')

	path := filepath.Join(s.config.TorrentDir, SafeFilename(name, hid)+".torrent")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn("torrent write failed", "path", path, "err", err)
	}
}

// displayText picks the utf-8 variant of a torrent text field and makes
// it valid UTF-8, replacing undecodable bytes.
func displayText(utf8Field, plain string) string {
	v := utf8Field
	if v == "" {
		v = plain
	}
	return strings.ToValidUTF8(v, "�")
}

func displayPath(utf8Parts, parts []string) string {
	p := utf8Parts
	if len(p) == 0 {
		p = parts
	}
	clean := make([]string, 0, len(p))
	for _, part := range p {
		clean = append(clean, strings.ToValidUTF8(part, "�"))
	}
	return strings.Join(clean, "/")
}

// SafeFilename sanitizes a torrent name for use as a file name: path
// separators and control characters become underscores, surrounding
// whitespace and dots are trimmed, and the result is clamped to 180
// bytes without splitting a rune. Empty results fall back to the given
// fallback string.
func SafeFilename(name, fallback string) string {
	s := name
	if s == "" {
		s = fallback
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimFunc(b.String(), func(r rune) bool {
		return unicode.IsSpace(r) || r == '.'
	})
	if out == "" {
		out = fallback
	}
	if len(out) > 180 {
		runes := []rune(out)
		for len(string(runes)) > 180 {
			runes = runes[:len(runes)-1]
		}
		out = strings.TrimRight(string(runes), " ")
	}
	return out
}
