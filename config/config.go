// Package config decodes the TOML configuration file recognized by
// cmd/ddcsumserver, following cmd/mive/config.go's loadConfig/tomlSettings
// pattern field-for-field (spec.md §6 "Configuration recognized").
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
)

// Caching holds the cache-layer keys (spec.md §6 `caching.*`).
type Caching struct {
	Type         string        // backing kind, e.g. "memory" or a real KV store name
	DataDir      string
	ShortExpire  time.Duration
	LongExpire   time.Duration
}

// LevelDB holds the index-backend keys (spec.md §6 `leveldb.*`). The name
// is kept from the source config section even though the in-tree Storage
// fake doesn't use LevelDB itself — a real Storage implementation reads
// this section to open its embedded store.
type LevelDB struct {
	Path       string
	TestReorgs bool
	Profiler   bool
}

// Daemon holds the reference daemon's JSON-RPC connection keys (spec.md §6
// `ddcscrdd.*`).
type Daemon struct {
	User     string
	Password string
	Host     string
	Port     int
}

// Config is the full set of recognized configuration keys.
type Config struct {
	Caching Caching
	LevelDB LevelDB
	Daemon  Daemon
}

// Default returns the configuration used when no TOML file is supplied.
func Default() Config {
	return Config{
		Caching: Caching{
			Type:        "memory",
			DataDir:     "./data",
			ShortExpire: 5 * time.Second,
			LongExpire:  time.Hour,
		},
		LevelDB: LevelDB{
			Path:       "./data/claims.db",
			TestReorgs: false,
			Profiler:   false,
		},
		Daemon: Daemon{
			Host: "127.0.0.1",
			Port: 9245,
		},
	}
}

// DaemonURL formats the daemon's JSON-RPC endpoint from its host/port/auth
// fields.
func (d Daemon) DaemonURL() string {
	if d.User == "" {
		return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
	}
	return fmt.Sprintf("http://%s:%s@%s:%d", d.User, d.Password, d.Host, d.Port)
}

// tomlSettings mirrors cmd/mive/config.go's tomlSettings exactly: TOML keys
// use the same names as the Go struct fields, with the same
// godoc-referencing MissingField error.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load reads and decodes a TOML config file onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return cfg, err
}
