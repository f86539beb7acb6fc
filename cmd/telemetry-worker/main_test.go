package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voltstream/telemetry-core/internal/blobstore"
	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/leader"
	"github.com/voltstream/telemetry-core/internal/queue"
)

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig([]string{
		"--postgres-dsn", "env:TELEMETRY_DSN",
		"--owner-id", "worker-1",
		"--blob-bucket", "imports",
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.ownerID != "worker-1" || cfg.blobDriver != blobstore.DriverS3 || cfg.jobWorkers != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.staleKinds) != 0 || !cfg.staleRollup {
		t.Fatalf("stale defaults: kinds=%v rollup=%v", cfg.staleKinds, cfg.staleRollup)
	}
	if len(cfg.publishKinds) != 2 || cfg.publishKinds[0] != datum.KindHour || cfg.publishKinds[1] != datum.KindDay {
		t.Fatalf("publish kinds: %v", cfg.publishKinds)
	}
	if cfg.usesQueue() {
		t.Fatalf("no topic configured, queue must be unused")
	}
}

func TestParseConfig_QueueAndKinds(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig([]string{
		"--postgres-dsn", "postgres://localhost/telemetry",
		"--owner-id", "worker-1",
		"--blob-driver", "MEMORY",
		"--queue-driver", "KAFKA",
		"--queue-brokers", "k1:9092, k2:9092",
		"--import-topic", " datum.import.v1 ",
		"--stale-kinds", "h,Day",
		"--stale-rollup=false",
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.blobDriver != blobstore.DriverMemory || cfg.importTopic != "datum.import.v1" || len(cfg.queueBrokers) != 2 ||
		cfg.queueDriver != queue.DriverKafka {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.staleKinds) != 2 || cfg.staleKinds[1] != datum.KindDay || cfg.staleRollup {
		t.Fatalf("stale config: %v rollup=%v", cfg.staleKinds, cfg.staleRollup)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()

	base := []string{"--postgres-dsn", "env:DSN", "--owner-id", "w", "--blob-driver", "memory"}
	cases := []struct {
		args []string
		want string
	}{
		{args: []string{"--owner-id", "w"}, want: "--postgres-dsn"},
		{args: append(append([]string{}, base...), "--lease-ttl", "0s"), want: "must be > 0"},
		{args: append(append([]string{}, base...), "--job-workers", "0"), want: "--job-workers"},
		{args: append(append([]string{}, base...), "--stale-max-iterations", "-1"), want: ">= 0"},
		{args: append(append([]string{}, base...), "--stale-kinds", "minute"), want: "--stale-kinds"},
		{args: append(append([]string{}, base...), "--events-topic", "datum.events"), want: "--queue-brokers"},
		{args: append(append([]string{}, base...), "--queue-driver", " Kafka ", "--events-topic", "datum.events"), want: "--queue-brokers"},
		{args: append(append([]string{}, base...), "--queue-driver", "nats"), want: "--queue-driver"},
		{args: []string{"--postgres-dsn", "env:DSN", "--owner-id", "w"}, want: "--blob-bucket"},
	}
	for _, tc := range cases {
		_, err := parseConfig(tc.args)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("parseConfig(%v): expected error containing %q, got %v", tc.args, tc.want, err)
		}
	}
}

func TestEvery_SkipsWhenNotLeader(t *testing.T) {
	t.Parallel()

	store := leader.NewMemoryStore(time.Now)
	held, err := leader.NewElector(leader.ElectorConfig{Name: "sweeps", Owner: "a", TTL: time.Minute}, store, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	follower, err := leader.NewElector(leader.ElectorConfig{Name: "sweeps", Owner: "b", TTL: time.Minute}, store, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := held.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if err := follower.Step(ctx); err != nil {
		t.Fatalf("Step follower: %v", err)
	}

	var leaderRuns, followerRuns atomic.Int32
	done := make(chan struct{}, 2)
	go func() {
		every(ctx, 5*time.Millisecond, held, func(context.Context) { leaderRuns.Add(1) })
		done <- struct{}{}
	}()
	go func() {
		every(ctx, 5*time.Millisecond, follower, func(context.Context) { followerRuns.Add(1) })
		done <- struct{}{}
	}()
	<-done
	<-done

	if leaderRuns.Load() == 0 {
		t.Fatalf("leader never ran")
	}
	if followerRuns.Load() != 0 {
		t.Fatalf("follower ran %d times", followerRuns.Load())
	}
}
