/*
DESCRIPTION
  livetranscript is a worker that watches a set of live-stream channels,
  chunks the media of any stream that goes live, transcribes the audio and
  publishes transcript lines and media to a central relay service.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ausocean/utils/logging"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/livetranscript/internal/chunker"
	"github.com/ausocean/livetranscript/internal/ltconfig"
	"github.com/ausocean/livetranscript/internal/mtsprobe"
	"github.com/ausocean/livetranscript/internal/probe"
	"github.com/ausocean/livetranscript/internal/relay"
	"github.com/ausocean/livetranscript/internal/status"
	"github.com/ausocean/livetranscript/internal/store"
	"github.com/ausocean/livetranscript/internal/transcribe"
	"github.com/ausocean/livetranscript/internal/types"
	"github.com/ausocean/livetranscript/internal/upload"
	"github.com/ausocean/livetranscript/internal/watchdog"
	"github.com/ausocean/livetranscript/internal/watcher"
)

// Default config path; overridable by the single positional argument.
const defaultConfigFile = "config.yaml"

// baseDir roots all per-key on-disk state: key state blobs, transcript
// fallback files, upload queue directories and DASH working directories.
const baseDir = "tmp"

// Logging configuration.
const (
	logPath      = "/var/log/livetranscript/livetranscript.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logLevel     = logging.Debug
	logSuppress  = true
)

// External binaries this worker drives. The metadata probe and the byte
// and fragment downloaders are all yt-dlp; the muxer and the duration
// prober are the ffmpeg tool family.
const (
	ytDlpBinary   = "yt-dlp"
	ffmpegBinary  = "ffmpeg"
	ffprobeBinary = "ffprobe"
	asrBinary     = "whisper-ctranslate2"
)

// watcherStagger spreads watcher startups so the per-key probe loops don't
// hit the upstream providers in lock step.
const watcherStagger = 1200 * time.Millisecond

// Shutdown deadlines: the transcriber gets transcriberJoinTimeout to drain
// its queue, then pending media uploads get uploadDrainTimeout to flush.
const (
	transcriberJoinTimeout = 30 * time.Second
	uploadDrainTimeout     = 30 * time.Second
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [config filename (default: %s)]\n", os.Args[0], defaultConfigFile)
	fmt.Fprintf(os.Stderr, "Example: %s dev.yaml\n", os.Args[0])
	flag.PrintDefaults()
}

// fixedBitrateDownloaderArgs and bufferedDownloaderArgs are the yt-dlp
// arguments for the FixedBitrate and Buffered chunkers' stdout byte-stream
// downloaders. FixedBitrate adds an
// audio-only format selection; Buffered takes the default (possibly mixed
// audio/video) format, since its cut criterion measures the container
// rather than assuming a byte rate.
var (
	fixedBitrateDownloaderArgs = []string{"-f", "ba", "--quiet", "--no-warnings", "--match-filter", "is_live", "-o", "-", "{url}"}
	bufferedDownloaderArgs     = []string{"--quiet", "--no-warnings", "--match-filter", "is_live", "-o", "-", "{url}"}
)

func main() {
	flag.Usage = usage
	flag.Parse()

	configFile := defaultConfigFile
	if flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}

	// Create lumberjack logger to handle logging to file.
	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(logLevel, io.MultiWriter(fileLog, os.Stdout), logSuppress)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "local"
	}
	buildTime := os.Getenv("BUILD_DATE")
	if buildTime == "" {
		buildTime = "unknown"
	}
	log.Info("starting live transcript worker", "version", version, "buildTime", buildTime, "config", configFile)

	live, err := ltconfig.NewLive(configFile)
	if err != nil {
		log.Fatal("could not load config", "error", err)
	}
	if err := live.Watch(log); err != nil {
		log.Warning("could not watch config file for changes", "error", err)
	}

	srvCfg := live.Server()
	trCfg := live.Transcription()

	client := relay.New(srvCfg.URL, srvCfg.APIKey, srvCfg.Enabled)
	queue := upload.New(log, client)
	st := store.New(baseDir, log, client, queue)

	var activeStreamers []types.StreamerConfig
	var activeKeys []string
	for _, s := range live.Streamers() {
		log.Info("loaded streamer profile", "key", s.Key, "active", s.Active, "mediaType", s.MediaType)
		if !s.Active {
			continue
		}
		if err := st.CreatePaths(s.Key); err != nil {
			log.Fatal("could not create state paths", "key", s.Key, "error", err)
		}
		activeStreamers = append(activeStreamers, s)
		activeKeys = append(activeKeys, s.Key)
	}
	if len(activeStreamers) == 0 {
		log.Warning("no active streamers configured; nothing to watch")
	}

	// Re-enqueue media files a previous run left behind, interleaved
	// across keys so one key's backlog can't starve the rest.
	recovered := upload.Recover(baseDir, activeKeys)
	if len(recovered) > 0 {
		log.Info("recovered pending media uploads", "count", len(recovered))
	}
	queue.SeedRecovered(recovered)

	mtsProber := mtsprobe.New(ffprobeBinary)

	engine := newWhisperEngine(asrBinary, mtsProber, log)
	tr := transcribe.New(engine, st, trCfg.Model, trCfg.Device, trCfg.ComputeType, log)

	chunkers := watcher.Chunkers{
		FixedBitrate: &chunker.FixedBitrate{
			Open:              chunker.NewExecDownloader(ytDlpBinary, fixedBitrateDownloaderArgs...),
			BufferSizeSeconds: srvCfg.BufferSizeSeconds,
			Log:               log,
		},
		Buffered: &chunker.Buffered{
			Open:              chunker.NewExecDownloader(ytDlpBinary, bufferedDownloaderArgs...),
			BufferSizeSeconds: srvCfg.BufferSizeSeconds,
			Prober:            mtsProber,
			Log:               log,
		},
		DASH: &chunker.DASH{
			Download:          chunker.NewYtDlpFragmentDownloader(ytDlpBinary),
			Mux:               chunker.NewExecMuxer(ffmpegBinary),
			Prober:            mtsProber,
			Inspector:         mtsProber,
			BaseDir:           baseDir,
			BufferSizeSeconds: srvCfg.BufferSizeSeconds,
			Log:               log,
		},
	}

	prober := probe.NewProber(ytDlpBinary)

	// stop is the global graceful-shutdown signal every task watches; ctx
	// cancellation is the hard stop applied once draining is done.
	stop := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("received termination signal, initiating graceful shutdown", "signal", sig.String())
		close(stop)
	}()

	// Chunks flow from every chunker through one shared channel into the
	// single transcriber queue.
	chunks := make(chan types.Chunk)
	go func() {
		for c := range chunks {
			tr.Enqueue(c)
		}
	}()

	go queue.Run(ctx)

	reporter := &status.Reporter{
		Client:    client,
		Version:   version,
		BuildTime: buildTime,
		Keys: func() []string {
			var keys []string
			for _, s := range live.Streamers() {
				if s.Active {
					keys = append(keys, s.Key)
				}
			}
			return keys
		},
		Log: log,
	}
	go reporter.Run(ctx, stop)

	dog := &watchdog.Notifier{Log: log}
	go dog.Notify(ctx)

	transcriberDone := make(chan struct{})
	go func() {
		defer close(transcriberDone)
		if err := tr.Run(ctx, stop); err != nil && ctx.Err() == nil {
			log.Error("transcriber exited with error", "error", err)
		}
	}()

	var watchers errgroup.Group
	for _, s := range activeStreamers {
		w := &watcher.Watcher{
			Streamer:     s,
			Prober:       prober,
			Store:        st,
			Chunkers:     chunkers,
			Out:          chunks,
			Blacklist:    live.IDBlacklist,
			RetrySeconds: func() int { return live.Server().SecondsBetweenChannelRetry },
			Log:          log,
		}
		watchers.Go(func() error {
			w.Run(ctx, stop)
			return nil
		})

		// Stagger startups so the probe loops don't synchronise.
		select {
		case <-stop:
		case <-time.After(watcherStagger):
		}
	}

	<-stop
	log.Info("stopping watchers")
	watchers.Wait()

	log.Info("waiting for transcriber to drain")
	select {
	case <-transcriberDone:
	case <-time.After(transcriberJoinTimeout):
		log.Warning("transcriber did not drain before deadline")
	}

	log.Info("waiting for pending media uploads")
	queue.WaitForUploads(uploadDrainTimeout)

	cancel()
	log.Info("goodbye")
}
