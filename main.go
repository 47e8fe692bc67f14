// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// dmtab is a userspace daemon using BUSE for creating a block device whose
// sector space is assembled from a mapping table. Every target of the table
// maps its range onto a backing device: a local file or block device, an
// object in S3 compatible storage, or nothing at all.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/dmtab contains the mapping table and everything around it. See
// the package descriptions in the source code for more details.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"
	"github.com/asch/dmtab/internal/config"
	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/mapper"
	"github.com/asch/dmtab/internal/dmtab/s3"
	"github.com/asch/dmtab/internal/dmtab/table"
	"github.com/asch/dmtab/internal/dmtab/targets"
)

// Parse configuration from file and environment variables, loads the table
// and creates new buse device with it. The device is ran until it is signaled
// by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)
	registerMetrics()

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	tab, err := loadTable()
	if err != nil {
		log.Panic().Err(err).Send()
	}
	defer tab.Destroy()

	m, err := mapper.New(tab, mapper.Options{
		BlockSize: config.Cfg.BlockSize,
		ChunkSize: config.Cfg.Write.ChunkSize,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}
	defer m.Close()

	q := m.Queue()
	log.Info().Str("table", tab.Name()).Str("type", tab.Type().String()).
		Uint64("sectors", tab.Size()).Int("targets", tab.NumTargets()).
		Str("limits", q.Limits.String()).Bool("discard", q.Discard).Msg("Table loaded.")

	buse, err := buse.New(m, buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           int64(m.Blocks()) * int64(config.Cfg.BlockSize),
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered!", config.Cfg.Major)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	buse.RemoveDevice()
}

// Builds the table from configured target lines. Local paths are served by
// the file backend, s3:// paths by the object store.
func loadTable() (*table.Table, error) {
	mode, err := device.ParseMode(config.Cfg.Table.Mode)
	if err != nil {
		return nil, err
	}

	lines, err := config.Targets()
	if err != nil {
		return nil, err
	}

	objects, err := s3.New(s3.Options{
		Remote:      config.Cfg.S3.Remote,
		Region:      config.Cfg.S3.Region,
		AccessKey:   config.Cfg.S3.AccessKey,
		SecretKey:   config.Cfg.S3.SecretKey,
		PartSize:    config.Cfg.S3.PartSize,
		Concurrency: config.Cfg.S3.Downloaders,
		Timeout:     time.Duration(config.Cfg.S3.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	backend := device.NewMux(device.NewFileBackend())
	backend.Handle(s3.Scheme, s3.Major, objects)

	types := table.NewRegistry()
	if err := targets.Register(types); err != nil {
		return nil, err
	}

	tab, err := table.New(types, backend, table.Options{
		Name:     config.Cfg.Table.Name,
		Capacity: max(config.Cfg.Table.Capacity, len(lines)),
		Mode:     mode,
	})
	if err != nil {
		return nil, err
	}

	tab.EventCallback(func(ctx any) {
		log.Warn().Str("table", ctx.(string)).Msg("Table event.")
	}, tab.Name())

	for _, l := range lines {
		if err := tab.AddTarget(l.Begin, l.Len, l.Type, l.Params); err != nil {
			tab.Destroy()
			return nil, fmt.Errorf("%s: %w", l, err)
		}
	}

	if err := tab.Complete(); err != nil {
		tab.Destroy()
		return nil, err
	}

	return tab, nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

func registerMetrics() {
	for _, cs := range [][]prometheus.Collector{
		device.Collectors(),
		table.Collectors(),
		mapper.Collectors(),
		s3.Collectors(),
	} {
		prometheus.MustRegister(cs...)
	}

	http.Handle("/metrics", promhttp.Handler())
}

// Enables remote profiling support and metrics endpoint. Useful for
// perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
