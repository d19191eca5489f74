// Package main provides a CLI tool for seeding sequence definitions from YAML.
// Usage: seed --file sequences.yaml
package main

import (
	"context"
	"fmt"
	"os"

	"consecutive/internal/bootstrap"
	"consecutive/internal/config"
	"consecutive/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	path := "sequences.yaml"
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--file" && i+1 < len(os.Args) {
			path = os.Args[i+1]
			i++
		}
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	ctx := logger.WithLogger(context.Background(), log)

	f, err := os.Open(path)
	if err != nil {
		log.Fatalw("failed to open seed file", "path", path, "error", err)
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		log.Fatalw("failed to parse seed file", "path", path, "error", err)
	}

	engine, err := bootstrap.Open(ctx, cfg.Engine, log, nil)
	if err != nil {
		log.Fatalw("failed to open engine", "error", err)
	}
	defer engine.Close()

	res, err := Apply(ctx, engine.Service, doc)
	if err != nil {
		log.Fatalw("seeding failed", "error", err, "created", res.Created)
	}

	log.Infow("seeding completed successfully",
		"created", res.Created,
		"skipped", res.Skipped,
		"assignments", res.Assignments,
	)
}
