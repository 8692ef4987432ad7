package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-ttlcache/v1/cache"
	"github.com/mirkobrombin/go-ttlcache/v1/metrics"
	"github.com/tidwall/match"
)

const version = "1.0.0"

// knownCommands bounds the label values of the command counter.
var knownCommands = map[string]bool{
	"PING": true, "GET": true, "SET": true, "DEL": true, "EXISTS": true,
	"FLUSHALL": true, "FLUSHDB": true, "DBSIZE": true, "KEYS": true,
	"INFO": true, "COMMAND": true, "CLIENT": true,
}

type server struct {
	cache   cache.Cache[[]byte]
	started time.Time
}

func newServer(c cache.Cache[[]byte]) *server {
	return &server{cache: c, started: time.Now()}
}

// serve accepts connections on ln until ctx is canceled, then waits for
// the open connections to finish.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("ttlcache: accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	metrics.ConnectionGauge.Inc()
	defer metrics.ConnectionGauge.Dec()

	// unblock the read when the server shuts down
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	respReader := NewRESPReader(bufio.NewReader(conn))
	respWriter := NewRESPWriter(bufio.NewWriter(conn))

	for {
		args, err := respReader.ReadCommand()
		if err != nil {
			if errors.Is(err, errInvalidProtocol) {
				respWriter.WriteError(err.Error())
				_ = respWriter.Flush()
			} else if err != io.EOF && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				slog.Debug("ttlcache: read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		s.execute(ctx, respWriter, args)

		// answer pipelined commands in one flush
		if respReader.Buffered() {
			continue
		}
		if err := respWriter.Flush(); err != nil {
			return
		}
	}
}

func (s *server) execute(ctx context.Context, w *RESPWriter, args [][]byte) {
	if len(args) == 0 {
		return
	}

	cmd := strings.ToUpper(string(args[0]))
	label := cmd
	if !knownCommands[cmd] {
		label = "unknown"
	}
	metrics.CommandCounter.WithLabelValues(label).Inc()

	switch cmd {
	case "PING":
		if len(args) > 1 {
			w.WriteBulk(args[1])
		} else {
			w.WriteSimpleString("PONG")
		}
	case "GET":
		if len(args) != 2 {
			writeArity(w, cmd)
			return
		}
		val, ok, err := s.cache.Get(ctx, string(args[1]))
		switch {
		case err != nil:
			writeErr(w, err)
		case !ok:
			w.WriteNull()
		default:
			w.WriteBulk(val)
		}
	case "SET":
		s.set(ctx, w, args)
	case "DEL":
		if len(args) < 2 {
			writeArity(w, cmd)
			return
		}
		var n int64
		for _, k := range args[1:] {
			key := string(k)
			ok, err := s.present(ctx, key)
			if err != nil {
				writeErr(w, err)
				return
			}
			if err := s.cache.Delete(ctx, key); err != nil {
				writeErr(w, err)
				return
			}
			if ok {
				n++
			}
		}
		w.WriteInt(n)
	case "EXISTS":
		if len(args) < 2 {
			writeArity(w, cmd)
			return
		}
		var n int64
		for _, k := range args[1:] {
			ok, err := s.cache.Has(ctx, string(k))
			if err != nil {
				writeErr(w, err)
				return
			}
			if ok {
				n++
			}
		}
		w.WriteInt(n)
	case "FLUSHALL", "FLUSHDB":
		if err := s.cache.Clear(ctx); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteSimpleString("OK")
	case "DBSIZE":
		st, err := s.cache.Stats(ctx)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.WriteInt(int64(st.Size))
	case "KEYS":
		if len(args) != 2 {
			writeArity(w, cmd)
			return
		}
		st, err := s.cache.Stats(ctx)
		if err != nil {
			writeErr(w, err)
			return
		}
		pattern := string(args[1])
		var keys []string
		for _, k := range st.Keys {
			if match.Match(k, pattern) {
				keys = append(keys, k)
			}
		}
		w.WriteArray(len(keys))
		for _, k := range keys {
			w.WriteBulk([]byte(k))
		}
	case "INFO":
		st, err := s.cache.Stats(ctx)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.WriteBulk([]byte(s.info(st)))
	case "COMMAND":
		w.WriteArray(0)
	case "CLIENT":
		w.WriteSimpleString("OK")
	default:
		w.WriteError(fmt.Sprintf("ERR unknown command '%s'", string(args[0])))
	}
}

// set handles SET key value [EX seconds|PX milliseconds]. Without an
// expiry the cache default TTL applies.
func (s *server) set(ctx context.Context, w *RESPWriter, args [][]byte) {
	if len(args) != 3 && len(args) != 5 {
		if len(args) < 3 {
			writeArity(w, "SET")
		} else {
			w.WriteError("ERR syntax error")
		}
		return
	}
	var ttl time.Duration
	if len(args) == 5 {
		n, err := strconv.ParseInt(string(args[4]), 10, 64)
		if err != nil {
			w.WriteError(errInvalidInt.Error())
			return
		}
		var unit time.Duration
		switch strings.ToUpper(string(args[3])) {
		case "EX":
			unit = time.Second
		case "PX":
			unit = time.Millisecond
		default:
			w.WriteError("ERR syntax error")
			return
		}
		if n <= 0 || n > math.MaxInt64/int64(unit) {
			w.WriteError("ERR invalid expire time in 'set' command")
			return
		}
		ttl = time.Duration(n) * unit
	}
	if err := s.cache.Set(ctx, string(args[1]), args[2], ttl); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteSimpleString("OK")
}

// present reports whether key holds a live entry. Caches that can peek do
// so without counting a lookup, so DEL leaves the hit ratio alone.
func (s *server) present(ctx context.Context, key string) (bool, error) {
	if p, ok := s.cache.(cache.Peeker); ok {
		return p.Contains(ctx, key)
	}
	return s.cache.Has(ctx, key)
}

func (s *server) info(st cache.Stats) string {
	var b strings.Builder
	b.WriteString("# Server\r\n")
	b.WriteString("redis_version:6.0.0\r\n")
	b.WriteString("ttlcache_version:" + version + "\r\n")
	b.WriteString("uptime_in_seconds:" + strconv.FormatInt(int64(time.Since(s.started).Seconds()), 10) + "\r\n")
	b.WriteString("# Stats\r\n")
	b.WriteString("keyspace_hits:" + strconv.FormatUint(st.Hits, 10) + "\r\n")
	b.WriteString("keyspace_misses:" + strconv.FormatUint(st.Misses, 10) + "\r\n")
	b.WriteString("evicted_keys:" + strconv.FormatUint(st.Evictions, 10) + "\r\n")
	b.WriteString("# Keyspace\r\n")
	b.WriteString("db0:keys=" + strconv.Itoa(st.Size) + "\r\n")
	return b.String()
}

func writeArity(w *RESPWriter, cmd string) {
	w.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func writeErr(w *RESPWriter, err error) {
	w.WriteError("ERR " + err.Error())
}
