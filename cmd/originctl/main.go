package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"voxelcraft.ai/blockorigin/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "natural":
		naturalCmd(args)
	case "place", "break":
		eventCmd(os.Args[1], args)
	case "mark":
		markCmd(args)
	case "stats":
		statsCmd(args)
	case "oracle":
		oracleCmd(args)
	case "lookup":
		lookupCmd(args)
	case "replay":
		replayCmd(args)
	case "recent":
		recentCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: originctl <natural|place|break|mark|stats|oracle|lookup|recent|replay> [flags]")
}

// resolveWorld accepts a world name from the config file or a literal UUID.
func resolveWorld(configPath, world string) (uuid.UUID, error) {
	cfg := config.Defaults()
	if strings.TrimSpace(configPath) != "" {
		if _, err := os.Stat(configPath); err == nil {
			c, err := config.Load(configPath)
			if err != nil {
				return uuid.Nil, err
			}
			cfg = c
		}
	}
	return cfg.WorldID(world)
}

func fail(code int, a ...any) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(code)
}
