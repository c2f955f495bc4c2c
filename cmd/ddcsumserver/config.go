package main

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/benywan/ddcsum-server/config"
	"github.com/benywan/ddcsum-server/internal/flags"
)

// loadAppConfig mirrors cmd/mive/config.go's loadBaseConfig: start from
// defaults, load a TOML file if one was named, then let flags win.
func loadAppConfig(ctx *cli.Context) config.Config {
	cfg := config.Default()

	if file := ctx.String(flags.ConfigFileFlag.Name); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			log.Crit("Failed to load config file", "file", file, "err", err)
		}
		cfg = loaded
	}

	if ctx.IsSet(flags.DataDirFlag.Name) {
		cfg.Caching.DataDir = ctx.String(flags.DataDirFlag.Name)
		cfg.LevelDB.Path = ctx.String(flags.DataDirFlag.Name) + "/claims.db"
	}
	return cfg
}
