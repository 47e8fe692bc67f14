// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/dmtab/config.toml"
)

var ErrTargetLine = errors.New("invalid target line")

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Major      int  `toml:"major" env:"DMTAB_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int  `toml:"threads" env:"DMTAB_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	BlockSize  int  `toml:"block_size" env:"DMTAB_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool `toml:"scheduler" env:"DMTAB_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int  `toml:"queue_depth" env:"DMTAB_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	Table struct {
		Name     string   `toml:"name" env:"DMTAB_TABLE_NAME" env-description:"Table name used in logs." env-default:"dmtab"`
		Mode     string   `toml:"mode" env:"DMTAB_TABLE_MODE" env-description:"Mode devices are opened with. r, w or rw." env-default:"rw"`
		Capacity int      `toml:"capacity" env:"DMTAB_TABLE_CAPACITY" env-description:"Expected number of targets." env-default:"8"`
		Targets  []string `toml:"targets" env:"DMTAB_TABLE_TARGETS" env-separator:";" env-description:"Target lines \"<begin> <len> <type> <args...>\". Separated by ; in the environment."`
	} `toml:"table"`

	S3 struct {
		Remote      string `toml:"remote" env:"DMTAB_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"DMTAB_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"DMTAB_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"DMTAB_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		PartSize    int64  `toml:"part_size" env:"DMTAB_S3_PARTSIZE" env-description:"S3 download part size in MB." env-default:"8"`
		Downloaders int    `toml:"downloaders" env:"DMTAB_S3_DOWNLOADERS" env-description:"S3 Max number of concurrent part downloads of one read." env-default:"4"`
		TimeoutMs   int64  `toml:"timeout" env:"DMTAB_S3_TIMEOUT" env-description:"S3 request timeout. In ms, 0 means none." env-default:"0"`
	} `toml:"s3"`

	Write struct {
		Durable       bool `toml:"durable" env:"DMTAB_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"DMTAB_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"DMTAB_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"DMTAB_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"DMTAB_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Log struct {
		Level  int  `toml:"level" env:"DMTAB_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"DMTAB_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"DMTAB_PROFILER" env-description:"Enable golang web profiler and metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"DMTAB_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// TargetLine is one parsed line of the table.
type TargetLine struct {
	Begin  uint64
	Len    uint64
	Type   string
	Params string
}

func (l TargetLine) String() string {
	return strings.TrimSpace(fmt.Sprintf("%d %d %s %s", l.Begin, l.Len, l.Type, l.Params))
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.S3.PartSize *= 1024 * 1024
	Cfg.Write.BufSize *= 1024 * 1024
	Cfg.Write.ChunkSize *= 1024 * 1024
	Cfg.Write.CollisionSize *= 1024 * 1024
	Cfg.Read.BufSize *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("dmtab", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

// Targets parses all configured target lines.
func Targets() ([]TargetLine, error) {
	lines := make([]TargetLine, 0, len(Cfg.Table.Targets))

	for i, s := range Cfg.Table.Targets {
		l, err := ParseTargetLine(s)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		lines = append(lines, l)
	}

	return lines, nil
}

// ParseTargetLine parses "<begin> <len> <type> <args...>". Arguments are
// kept verbatim, escaping is up to the table.
func ParseTargetLine(s string) (TargetLine, error) {
	var fields [3]string

	rest := s
	for i := range fields {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			end = len(rest)
		}

		fields[i], rest = rest[:end], rest[end:]
		if fields[i] == "" {
			return TargetLine{}, fmt.Errorf("%w: %q: expected <begin> <len> <type> <args...>", ErrTargetLine, s)
		}
	}

	begin, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return TargetLine{}, fmt.Errorf("%w: %q: begin: %w", ErrTargetLine, s, err)
	}

	length, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return TargetLine{}, fmt.Errorf("%w: %q: len: %w", ErrTargetLine, s, err)
	}

	return TargetLine{
		Begin:  begin,
		Len:    length,
		Type:   fields[2],
		Params: strings.TrimSpace(rest),
	}, nil
}
