package main

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinytelemetry/dogd/record"
)

func listen(t *testing.T) (string, <-chan record.Record) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	records := make(chan record.Record, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			data, _ := io.ReadAll(conn)
			conn.Close()
			if rec, err := record.Decode(data); err == nil {
				records <- rec
			}
		}
	}()
	return ln.Addr().String(), records
}

func next(t *testing.T, records <-chan record.Record) record.Record {
	t.Helper()
	select {
	case rec := <-records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record received")
		return record.Record{}
	}
}

func TestRun_PostsArguments(t *testing.T) {
	t.Parallel()

	addr, records := listen(t)
	if err := run([]string{"--addr", addr, "-p", "Error", "-n", "svc", "disk", "full"}, strings.NewReader("")); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec := next(t, records)
	rec.Time = record.Timestamp{}
	want := record.Record{Line: "disk full", ProgName: "svc", Priority: record.Error}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ReadsStdin(t *testing.T) {
	t.Parallel()

	addr, records := listen(t)
	if err := run([]string{"--addr", addr}, strings.NewReader("a\nb\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec := next(t, records)
	if rec.Line != "a\nb\n" || rec.Priority != record.Info || rec.ProgName != "dogd-post" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	if err := run([]string{"-p", "Loud", "x"}, strings.NewReader("")); !errors.Is(err, record.ErrUnknownPriority) {
		t.Fatalf("bad priority error = %v", err)
	}
	if err := run(nil, strings.NewReader("  \n")); err == nil {
		t.Fatal("empty message accepted")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := run([]string{"--addr", addr, "hello"}, strings.NewReader("")); err == nil {
		t.Fatal("post to a closed port succeeded")
	}
}
