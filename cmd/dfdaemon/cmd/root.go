/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/dragonflyoss/dfdaemon/client/config"
	"github.com/dragonflyoss/dfdaemon/client/daemon/peer"
	"github.com/dragonflyoss/dfdaemon/client/daemon/storage"
	"github.com/dragonflyoss/dfdaemon/internal/dflog"
	"github.com/dragonflyoss/dfdaemon/internal/idgen"
	"github.com/dragonflyoss/dfdaemon/internal/metrics"
)

var cfg *config.Config

var (
	flagURL         string
	flagOutput      string
	flagPieceLength uint64
	flagFilter      string
	flagTag         string
	flagApplication string
	flagHeader      []string
	flagConsole     bool
)

var rootCmd = &cobra.Command{
	Use:               "dfdaemon url -O path",
	Short:             "the P2P download core of dragonfly",
	Long:              rootDescription,
	Args:              cobra.MaximumNArgs(1),
	DisableAutoGenTag: true,
	RunE:              run,
}

const rootDescription = `dfdaemon drives a single peer-to-peer download: it tries the local
piece cache first, then scheduler-assisted peers, falling back to the
origin URL directly when neither has what it needs.`

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		dflog.Errorf("%s", err)
		os.Exit(1)
	}
}

func init() {
	cfg = config.New()

	flagSet := rootCmd.Flags()
	flagSet.StringVarP(&flagURL, "url", "u", "", "URL of the file to download")
	flagSet.StringVarP(&flagOutput, "output", "O", "", "destination path for the downloaded file")
	flagSet.Uint64Var(&flagPieceLength, "piece-length", 4*1024*1024, "piece size in bytes")
	flagSet.StringVar(&flagFilter, "filter", "", "query parameters to drop before hashing the task id, e.g. key&sign")
	flagSet.StringVar(&flagTag, "tag", "", "task tag; different tags for the same url land in different P2P overlays")
	flagSet.StringVar(&flagApplication, "application", "", "caller application name, folded into the task id")
	flagSet.StringArrayVarP(&flagHeader, "header", "H", nil, "extra request header, e.g. --header='Accept: *'")
	flagSet.StringVar(&cfg.Storage.DataDir, "data-dir", cfg.Storage.DataDir, "directory the metadata and content stores live under")
	flagSet.DurationVar(&cfg.Download.PieceTimeout, "piece-timeout", cfg.Download.PieceTimeout, "how long to wait for a concurrently-downloading piece before giving up")
	flagSet.Int64Var(&cfg.Download.RateLimit, "rate-limit", cfg.Download.RateLimit, "aggregate download bandwidth cap in bytes/second, 0 is infinite")
	flagSet.StringArrayVar(&cfg.Download.SchedulerAddrs, "scheduler", nil, "scheduler address (repeatable); recorded only, no scheduler transport is built in, so downloads fall back to source")
	flagSet.StringVar(&cfg.Host.ID, "host-id", cfg.Host.ID, "this daemon's peer host id; left empty, one is generated at startup")
	flagSet.BoolVar(&flagConsole, "console", false, "also log to stderr alongside the log file")

	if err := viper.BindPFlags(flagSet); err != nil {
		panic(errors.Wrap(err, "bind dfdaemon flags to viper"))
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagURL == "" && len(args) == 1 {
		flagURL = args[0]
	}
	if flagURL == "" {
		return errors.New("url is required")
	}
	if flagOutput == "" {
		return errors.New("--output is required")
	}

	if err := dflog.InitDaemon(filepath.Join(cfg.Storage.DataDir, "log"), flagConsole); err != nil {
		return errors.Wrap(err, "init dfdaemon logger")
	}

	if cfg.Host.ID == "" {
		cfg.Host.ID = idgen.UUIDString()
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validate config")
	}

	s, _ := yaml.Marshal(cfg)
	dflog.Infof("dfdaemon configuration:\n%s", string(s))

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return errors.Wrap(err, "register metrics")
	}

	// No span exporter is wired here (shipping spans to a collector is
	// host-environment configuration, out of this core's scope), but a
	// real SDK provider still gives every tracer.Start call a live span
	// context instead of the no-op global default.
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			dflog.Warnf("shutdown tracer provider: %s", err)
		}
	}()
	otel.SetTracerProvider(tp)

	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	backend := peer.NewHTTPBackendClient()

	var scheduler peer.SchedulerClient = peer.NewDummySchedulerClient()

	var pmOpts []peer.PieceManagerOption
	if cfg.Download.RateLimit > 0 {
		pmOpts = append(pmOpts, peer.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Download.RateLimit), int(cfg.Download.RateLimit))))
	}
	pieceManager := peer.NewPieceManager(store, backend, scheduler, pmOpts...)

	orchestrator := peer.NewTaskOrchestrator(cfg.Host.ID, store, pieceManager, backend, scheduler, peer.WithConcurrency(cfg.Download.ConcurrentPieceCount))

	header := http.Header{}
	for _, h := range flagHeader {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed --header %q, want 'Key: Value'", h)
		}
		header.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	taskID := idgen.TaskID(flagURL, flagFilter, flagTag, flagApplication)
	peerID := idgen.PeerID(cfg.Host.ID)

	start := time.Now()
	fmt.Printf("--%s--  %s\n", start.Format("2006-01-02 15:04:05"), flagURL)

	ctx := context.Background()
	pc := orchestrator.DownloadTaskIntoFile(ctx, taskID, peerID, &peer.DownloadSpec{
		URL:         flagURL,
		Header:      header,
		OutputPath:  flagOutput,
		PieceLength: flagPieceLength,
		Timeout:     cfg.Download.PieceTimeout,
	})

	for resp := range pc.Responses() {
		if resp.Done {
			continue
		}
		dflog.Infof("piece %d finished, %s traffic", resp.Piece.Number, resp.Piece.TrafficType)
	}

	var downloadErr error
	select {
	case failure, ok := <-pc.Failures():
		if ok {
			downloadErr = errors.Errorf("[%s] %s", failure.Code, failure.Message)
		}
	default:
	}

	cost := time.Since(start)
	fmt.Printf("download success: %t cost: %dms error:[%v]\n", downloadErr == nil, cost.Milliseconds(), downloadErr)
	dflog.Infof("download %s finished in %s, err=%v", flagURL, cost, downloadErr)

	return downloadErr
}
