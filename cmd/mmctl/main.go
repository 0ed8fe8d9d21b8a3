// mmctl 로컬 개발/운영용 매칭 도구. 가짜 플레이어로 큐를 채우거나 상태를 확인한다
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/models"
	"github.com/ecocards/matchmaking-backend/internal/repository"
	"github.com/ecocards/matchmaking-backend/internal/service"
	"github.com/ecocards/matchmaking-backend/pkg/database"
	"github.com/ecocards/matchmaking-backend/pkg/distributed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg   *config.Config
	rdb   *redis.Client
	db    *database.DB
	queue repository.QueueRepository
}

func (e *env) close() {
	if e.db != nil {
		e.db.Close()
	}
	if e.rdb != nil {
		e.rdb.Close()
	}
}

// connect 설정된 큐 백엔드에 연결
func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	e.rdb = redis.NewClient(opts)

	switch cfg.QueueBackend {
	case config.QueueBackendPostgres:
		e.db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			e.close()
			return nil, err
		}
		if err := e.db.Migrate(ctx); err != nil {
			e.close()
			return nil, err
		}
		e.queue = repository.NewPostgresQueueRepository(e.db)
	default:
		e.queue = repository.NewRedisQueueRepository(e.rdb)
	}
	return e, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mmctl",
		Short:         "Matchmaking queue tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSeedCmd(), newStatsCmd(), newDLQCmd())
	return root
}

func newSeedCmd() *cobra.Command {
	var (
		mode    string
		count   int
		rating  int
		jitter  int
		region  string
		trigger bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Enqueue synthetic players into a game mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			gm, ok := e.cfg.GameMode(mode)
			if !ok {
				return fmt.Errorf("%w: %q", service.ErrInvalidGameMode, mode)
			}

			now := time.Now()
			accepted := 0
			for i := 0; i < count; i++ {
				r := rating
				if jitter > 0 {
					r += rand.Intn(2*jitter+1) - jitter
				}
				entry := models.QueueEntry{
					RequestID:   uuid.NewString(),
					PlayerID:    "seed-" + uuid.NewString()[:8],
					DisplayName: fmt.Sprintf("Seed %d", i+1),
					GameMode:    gm.Name,
					Rating:      r,
					Region:      region,
					EnqueuedAt:  now.Add(time.Duration(i) * time.Millisecond),
					ExpiresAt:   now.Add(e.cfg.QueueMaxWait),
				}
				res, _, err := e.queue.Enqueue(ctx, entry)
				if err != nil {
					return fmt.Errorf("enqueue %s: %w", entry.PlayerID, err)
				}
				if res == repository.EnqueueAccepted {
					accepted++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d/%d players into %s\n", accepted, count, gm.Name)

			if trigger {
				coordinator := distributed.NewMatchmakingCoordinator(e.rdb, "mmctl", zap.NewNop())
				if err := coordinator.NotifyEnqueued(ctx, gm.Name, ""); err != nil {
					return fmt.Errorf("trigger: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "ranked_1v1", "game mode")
	cmd.Flags().IntVar(&count, "count", 10, "players to enqueue")
	cmd.Flags().IntVar(&rating, "rating", 1200, "base rating")
	cmd.Flags().IntVar(&jitter, "jitter", 100, "random rating spread around the base")
	cmd.Flags().StringVar(&region, "region", models.RegionAny, "region preference")
	cmd.Flags().BoolVar(&trigger, "trigger", true, "wake formation workers after seeding")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show players waiting per game mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			for _, mode := range e.cfg.GameModes {
				n, err := e.queue.Count(ctx, mode.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", mode.Name, n)
			}
			return nil
		},
	}
}

func newDLQCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "Show dead-lettered counts per topic and pending counts per gateway group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			bus := distributed.NewStreamBus(e.rdb, distributed.StreamBusConfig{}, zap.NewNop())
			for _, topic := range service.Topics {
				dead, err := bus.DLQSize(ctx, topic)
				if err != nil {
					return err
				}
				groups, err := bus.GroupsPending(ctx, topic)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%-16s dlq=%d\n", topic, dead)
				names := make([]string, 0, len(groups))
				for name := range groups {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-32s pending=%d\n", name, groups[name])
				}
			}
			return nil
		},
	}
}
