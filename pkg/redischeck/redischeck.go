// Package redischeck verifies that a Redis server is reachable and summarizes its INFO output.
package redischeck

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultHost    = "localhost"
	DefaultPort    = 6379
	DefaultTimeout = 5 * time.Second

	unknown = "unknown"
)

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
	Timeout  time.Duration // socket timeout for dial, read and write
}

func (o Options) Addr() string {
	host, port := o.Host, o.Port
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Report is the subset of INFO fields printed after a successful ping.
type Report struct {
	Addr             string
	DB               int
	Version          string
	Mode             string
	TotalConnections string
	ConnectedClients string
	UsedMemoryHuman  string
}

// Check pings the server and collects its INFO summary.
func Check(ctx context.Context, opts Options) (*Report, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	addr := opts.Addr()
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	info := rdb.InfoMap(ctx)
	if err := info.Err(); err != nil {
		return nil, fmt.Errorf("failed to read INFO from %s: %w", addr, err)
	}
	return newReport(addr, opts.DB, info), nil
}

func newReport(addr string, db int, info *redis.InfoCmd) *Report {
	return &Report{
		Addr:             addr,
		DB:               db,
		Version:          item(info, "Server", "redis_version", unknown),
		Mode:             item(info, "Server", "redis_mode", "standalone"),
		TotalConnections: item(info, "Stats", "total_connections_received", unknown),
		ConnectedClients: item(info, "Clients", "connected_clients", unknown),
		UsedMemoryHuman:  item(info, "Memory", "used_memory_human", unknown),
	}
}

func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Successfully connected to Redis at %s, db=%d\n", r.Addr, r.DB)
	fmt.Fprintf(w, "Redis version: %s\n", r.Version)
	fmt.Fprintf(w, "Redis mode: %s\n", r.Mode)
	fmt.Fprintf(w, "Total connections: %s\n", r.TotalConnections)
	fmt.Fprintf(w, "Connected clients: %s\n", r.ConnectedClients)
	fmt.Fprintf(w, "Memory used: %s\n", r.UsedMemoryHuman)
}

func item(info *redis.InfoCmd, section, key, def string) string {
	if v := info.Item(section, key); v != "" {
		return v
	}
	return def
}
