package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/server"
)

func newSeedCmd(configPath *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a JSON question bank into the configured question source.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			qs, err := question.LoadBankFile(file)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			seeder, closeFn, err := openSeeder(ctx, c)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := seeder.Seed(ctx, qs); err != nil {
				return fmt.Errorf("seed: %w", err)
			}

			slog.InfoContext(ctx, "seed: question bank loaded",
				"source", c.Questions.Source,
				"file", file,
				"count", len(qs),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the JSON question bank")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func openSeeder(ctx context.Context, c server.Config) (question.Seeder, func(), error) {
	switch c.Questions.Source {
	case "redis":
		rc := c.Redis.Questions
		if len(rc.Addrs) == 0 {
			return nil, nil, fmt.Errorf("seed: redis.questions.addrs is required")
		}
		r := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: rc.Addrs, Password: rc.Pass})
		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("seed: redis: %w", err)
		}
		return question.NewRedis(r, rc.Prefix), func() { _ = r.Close() }, nil

	case "postgres":
		db, err := server.ConnectPostgres(c.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("seed: postgres: %w", err)
		}
		src := question.NewPostgres(db)
		if err := src.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("seed: migrate: %w", err)
		}
		return src, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("seed: question source %q cannot be seeded", c.Questions.Source)
	}
}
