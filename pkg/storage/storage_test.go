package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeebo/bencode"

	"dht-spider/pkg/krpc"
	"dht-spider/pkg/logging"
)

func encodeInfo(t *testing.T, v interface{}) ([]byte, krpc.ID) {
	t.Helper()
	raw, err := bencode.EncodeBytes(v)
	if err != nil {
		t.Fatalf("bencode: %v", err)
	}
	return raw, krpc.ID(sha1.Sum(raw))
}

func testStorage(t *testing.T, mutate func(*Config)) (*Storage, *Config) {
	t.Helper()
	dir := t.TempDir()
	config := DefaultConfig()
	config.MagnetLog = filepath.Join(dir, "hash.log")
	config.TorrentDir = filepath.Join(dir, "BT")
	if mutate != nil {
		mutate(config)
	}
	s, err := New(config, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, config
}

func TestStoreWritesMagnetAndTorrent(t *testing.T) {
	info, infohash := encodeInfo(t, map[string]interface{}{
		"name":         "my torrent",
		"piece length": 16384,
		"pieces":       strings.Repeat("x", 20),
		"length":       123456,
	})
	s, config := testStorage(t, nil)

	s.Store(infohash, info, "1.2.3.4:6881")

	logData, err := os.ReadFile(config.MagnetLog)
	if err != nil {
		t.Fatalf("magnet log: %v", err)
	}
	wantMagnet := "magnet:?xt=urn:btih:" + infohash.Hex() + "&dn=my+torrent"
	if !strings.Contains(string(logData), wantMagnet) {
		t.Fatalf("magnet log missing %q:\n%s", wantMagnet, logData)
	}

	torrentPath := filepath.Join(config.TorrentDir, "my torrent.torrent")
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		t.Fatalf("torrent file: %v", err)
	}

	// The stored file embeds the info dict verbatim, preserving the
	// infohash.
	var meta struct {
		Announce string             `bencode:"announce"`
		Info     bencode.RawMessage `bencode:"info"`
	}
	if err := bencode.DecodeBytes(data, &meta); err != nil {
		t.Fatalf("stored torrent does not decode: %v", err)
	}
	if krpc.ID(sha1.Sum(meta.Info)) != infohash {
		t.Fatalf("infohash not preserved by the stored torrent")
	}
}

func TestStoreDeduplicates(t *testing.T) {
	info, infohash := encodeInfo(t, map[string]interface{}{
		"name":   "dup",
		"length": 1,
	})
	s, config := testStorage(t, nil)

	s.Store(infohash, info, "1.2.3.4:6881")
	s.Store(infohash, info, "5.6.7.8:6881")

	logData, _ := os.ReadFile(config.MagnetLog)
	if got := strings.Count(string(logData), "magnet:?"); got != 1 {
		t.Fatalf("magnet written %d times, want 1", got)
	}
}

func TestStorePrintOnly(t *testing.T) {
	info, infohash := encodeInfo(t, map[string]interface{}{
		"name":   "quiet",
		"length": 1,
	})
	s, config := testStorage(t, func(c *Config) { c.PrintOnly = true })

	s.Store(infohash, info, "1.2.3.4:6881")

	if _, err := os.Stat(config.MagnetLog); !os.IsNotExist(err) {
		t.Fatalf("magnet log created in print-only mode")
	}
	if _, err := os.Stat(config.TorrentDir); !os.IsNotExist(err) {
		t.Fatalf("torrent dir created in print-only mode")
	}
}

func TestStoreMultiFileSize(t *testing.T) {
	info, infohash := encodeInfo(t, map[string]interface{}{
		"name": "album",
		"files": []interface{}{
			map[string]interface{}{"length": 100, "path": []interface{}{"a", "one.mp3"}},
			map[string]interface{}{"length": 250, "path": []interface{}{"b", "two.mp3"}},
		},
	})
	s, config := testStorage(t, nil)

	s.Store(infohash, info, "1.2.3.4:6881")

	logData, _ := os.ReadFile(config.MagnetLog)
	text := string(logData)
	if !strings.Contains(text, "a/one.mp3 100") || !strings.Contains(text, "b/two.mp3 250") {
		t.Fatalf("file listing missing from log:\n%s", text)
	}
}

func TestStoreNamelessFallsBackToHash(t *testing.T) {
	info, infohash := encodeInfo(t, map[string]interface{}{
		"length": 9,
	})
	s, config := testStorage(t, nil)

	s.Store(infohash, info, "1.2.3.4:6881")

	if _, err := os.Stat(filepath.Join(config.TorrentDir, infohash.Hex()+".torrent")); err != nil {
		t.Fatalf("fallback torrent name not used: %v", err)
	}
}

func TestSafeFilename(t *testing.T) {
	cases := []struct {
		in, fallback, want string
	}{
		{"plain name", "fb", "plain name"},
		{"a/b\\c", "fb", "a_b_c"},
		{"ctrl\x01char", "fb", "ctrl_char"},
		{"  .dotty.  ", "fb", "dotty"},
		{"", "fb", "fb"},
		{"...", "fb", "fb"},
	}
	for _, c := range cases {
		if got := SafeFilename(c.in, c.fallback); got != c.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := strings.Repeat("x", 300)
	if got := SafeFilename(long, "fb"); len(got) != 180 {
		t.Errorf("long name clamped to %d, want 180", len(got))
	}
}
