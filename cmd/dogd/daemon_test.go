package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/record"
)

// syncBuffer is a bytes.Buffer safe for one writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) appConfig {
	t.Helper()
	return appConfig{
		IngestAddr:             "127.0.0.1:0",
		SubscriberAddr:         "127.0.0.1:0",
		LogPath:                filepath.Join(t.TempDir(), "log", "dogd"),
		FileSinkEnabled:        true,
		ConsoleEnabled:         true,
		Color:                  "never",
		SubscriberBuffer:       64,
		SlowConsumerTimeout:    time.Second,
		IngestReadTimeout:      2 * time.Second,
		MaxRecordSize:          1 << 20,
		SubscriberWriteTimeout: time.Second,
		APIEnabled:             true,
		APIAddr:                "127.0.0.1:0",
		LogLevel:               "debug",
		ShutdownTimeout:        time.Second,
	}
}

type runningDaemon struct {
	d       *daemon
	console *syncBuffer
	cancel  context.CancelFunc
	done    chan error
}

func startDaemon(t *testing.T, cfg appConfig) *runningDaemon {
	t.Helper()

	console := &syncBuffer{}
	d := newDaemon(cfg, zerolog.Nop(), console)
	if err := d.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rd := &runningDaemon{d: d, console: console, cancel: cancel, done: make(chan error, 1)}
	go func() { rd.done <- d.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rd.done
	})
	return rd
}

func (rd *runningDaemon) stop(t *testing.T) {
	t.Helper()
	rd.cancel()
	select {
	case err := <-rd.done:
		if err != nil {
			t.Fatalf("run = %v, want nil", err)
		}
		rd.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func post(t *testing.T, addr string, payload []byte) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
}

func postRecord(t *testing.T, addr string, rec record.Record) {
	t.Helper()
	data, err := record.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	post(t, addr, data)
}

type subscriber struct {
	conn net.Conn
	r    *bufio.Reader
}

func (rd *runningDaemon) subscribe(t *testing.T) *subscriber {
	t.Helper()
	before := rd.d.hub.Stats().Subscribers
	conn, err := net.DialTimeout("tcp", rd.d.subs.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return rd.d.hub.Stats().Subscribers > before })
	return &subscriber{conn: conn, r: bufio.NewReader(conn)}
}

func (s *subscriber) readLine(t *testing.T) string {
	t.Helper()
	if err := s.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read subscriber: %v", err)
	}
	return line
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDaemon_RecordReachesEverySink(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	rd := startDaemon(t, cfg)
	sub := rd.subscribe(t)

	post(t, rd.d.listener.Addr(), []byte("line = \"boot ok\"\nprog_name = \"svc\"\npriority = \"Info\"\n\n[time]\nsecs = 1700000000\nnanos = 0\n"))

	if got := sub.readLine(t); got != "svc(I) boot ok\n" {
		t.Fatalf("subscriber read %q", got)
	}
	waitFor(t, func() bool { return rd.console.String() == "svc(I) boot ok\n" })

	rd.stop(t)
	data, err := os.ReadFile(cfg.LogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(data) != "svc(I) boot ok\n" {
		t.Fatalf("log file = %q", data)
	}
}

func TestDaemon_MultiLineRecord(t *testing.T) {
	t.Parallel()

	rd := startDaemon(t, testConfig(t))
	sub := rd.subscribe(t)

	postRecord(t, rd.d.listener.Addr(), record.Record{Line: "a\nb", ProgName: "x", Priority: record.Error})

	for _, want := range []string{"x(E) a\n", "x(E) b\n"} {
		if got := sub.readLine(t); got != want {
			t.Fatalf("subscriber read %q, want %q", got, want)
		}
	}
}

func TestDaemon_TwoSubscribersEachReceiveOnce(t *testing.T) {
	t.Parallel()

	rd := startDaemon(t, testConfig(t))
	a := rd.subscribe(t)
	b := rd.subscribe(t)

	// Separate connections are not ordered relative to each other.
	postRecord(t, rd.d.listener.Addr(), record.New("first", "svc", record.Info))
	waitFor(t, func() bool { return rd.d.listener.Stats().Published == 1 })
	postRecord(t, rd.d.listener.Addr(), record.New("second", "svc", record.Debug))

	for _, s := range []*subscriber{a, b} {
		if got := s.readLine(t); got != "svc(I) first\n" {
			t.Fatalf("read %q", got)
		}
		if got := s.readLine(t); got != "svc(D) second\n" {
			t.Fatalf("read %q", got)
		}
	}
}

func TestDaemon_DisconnectedSubscriberDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	rd := startDaemon(t, testConfig(t))
	a := rd.subscribe(t)
	b := rd.subscribe(t)

	postRecord(t, rd.d.listener.Addr(), record.New("one", "svc", record.Info))
	waitFor(t, func() bool { return rd.d.listener.Stats().Published == 1 })
	a.conn.Close()
	postRecord(t, rd.d.listener.Addr(), record.New("two", "svc", record.Info))

	for _, want := range []string{"svc(I) one\n", "svc(I) two\n"} {
		if got := b.readLine(t); got != want {
			t.Fatalf("subscriber B read %q, want %q", got, want)
		}
	}
}

func TestDaemon_MalformedInputIsDropped(t *testing.T) {
	t.Parallel()

	rd := startDaemon(t, testConfig(t))
	sub := rd.subscribe(t)

	post(t, rd.d.listener.Addr(), []byte("priority = \"Loud\"\n"))
	post(t, rd.d.listener.Addr(), nil)
	postRecord(t, rd.d.listener.Addr(), record.New("after", "svc", record.Critical))

	if got := sub.readLine(t); got != "svc(C) after\n" {
		t.Fatalf("read %q, want only the valid record", got)
	}
	waitFor(t, func() bool { return rd.d.listener.Stats().Dropped == 2 })
}

func TestDaemon_UnwritableLogFileDisablesOnlyFileSink(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg.LogPath = filepath.Join(blocker, "dogd")

	rd := startDaemon(t, cfg)
	if rd.d.fileSink != nil {
		t.Fatal("file sink started on an unusable path")
	}
	sub := rd.subscribe(t)

	postRecord(t, rd.d.listener.Addr(), record.New("still works", "svc", record.Info))
	if got := sub.readLine(t); got != "svc(I) still works\n" {
		t.Fatalf("read %q", got)
	}
	waitFor(t, func() bool { return strings.Contains(rd.console.String(), "svc(I) still works\n") })
}

func TestDaemon_StartFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.SubscriberAddr = ln.Addr().String()
	d := newDaemon(cfg, zerolog.Nop(), &syncBuffer{})
	if err := d.start(); err == nil {
		t.Fatal("start succeeded with the subscriber port in use")
	}
	// The ingest endpoint bound before the failure must be released.
	if conn, err := net.DialTimeout("tcp", d.listener.Addr(), 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatal("ingest endpoint still open after failed start")
	}
}

func TestDaemon_ShutdownFlushesQueuedRecords(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.APIEnabled = false
	rd := startDaemon(t, cfg)

	const n = 25
	for i := 0; i < n; i++ {
		postRecord(t, rd.d.listener.Addr(), record.New("line", "svc", record.Info))
	}
	waitFor(t, func() bool { return rd.d.listener.Stats().Published == n })
	rd.stop(t)

	data, err := os.ReadFile(cfg.LogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if got := strings.Count(string(data), "svc(I) line\n"); got != n {
		t.Fatalf("log file has %d records, want %d", got, n)
	}
	if got := strings.Count(rd.console.String(), "svc(I) line\n"); got != n {
		t.Fatalf("console has %d records, want %d", got, n)
	}
}

func TestDaemon_ShutdownDoesNotWaitForStalledProducer(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.IngestReadTimeout = 30 * time.Second
	rd := startDaemon(t, cfg)

	conn, err := net.DialTimeout("tcp", rd.d.listener.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("line = \"partial\"\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return rd.d.listener.Stats().Accepted == 1 })

	rd.stop(t)
	if _, err := os.Stat(cfg.LogPath); err != nil {
		t.Fatalf("log file: %v", err)
	}
}

func TestPrintStartupBanner(t *testing.T) {
	t.Parallel()

	rd := startDaemon(t, testConfig(t))
	var buf bytes.Buffer
	printStartupBanner(&buf, rd.d.cfg, rd.d)

	out := buf.String()
	for _, want := range []string{rd.d.listener.Addr(), rd.d.subs.Addr(), "Ctrl+C"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner lacks %q:\n%s", want, out)
		}
	}
}
