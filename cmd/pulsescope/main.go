package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/pulsescope/pkg/monitor"
	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/norasector/pulsescope/pkg/pulsescope/config"
	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"github.com/norasector/pulsescope/pkg/pulsescope/device/file"
	hackrfDevice "github.com/norasector/pulsescope/pkg/pulsescope/device/hackrf"
	"github.com/norasector/pulsescope/pkg/pulsescope/device/rtlsdr"
	"github.com/norasector/pulsescope/pkg/pulsescope/device/serialdaq"
	"github.com/norasector/pulsescope/pkg/pulsescope/device/sim"
	"github.com/norasector/pulsescope/pkg/pulsescope/output"
	"github.com/norasector/pulsescope/pkg/util"
	"github.com/norasector/pulsescope/pkg/viz"
	"github.com/samuel/go-hackrf/hackrf"
	"golang.org/x/sync/errgroup"
)

const (
	fileReadDelay   = time.Millisecond
	simFrameDelay   = 200 * time.Microsecond
	shutdownTimeout = 5 * time.Second
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "pulsescope.yaml", "YAML config file")

	flag.Parse()

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config file")
	}
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", opts.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Logger.Level(level)

	var session device.Session

	switch opts.Device {
	case "rtlsdr":
		log.Info().Str("device", "rtlsdr").Msg("initializing device...")
		session, err = rtlsdr.NewRTLSDRDevice(opts.RTLSDRDeviceIndex, opts.CenterFreq)
		if err != nil {
			log.Fatal().Str("device", "rtlsdr").Err(err).Msg("failed to initialize RTLSDR")
		}
	case "hackrf":
		log.Info().Str("device", "hackrf").Msg("initializing device...")
		if err := hackrf.Init(); err != nil {
			log.Fatal().Str("device", "hackrf").Err(err).Msg("failed to initialize hackRF")
		}
		defer hackrf.Exit()

		session, err = hackrfDevice.NewHackRFDevice(opts.CenterFreq)
		if err != nil {
			log.Fatal().Str("device", "hackrf").Err(err).Msg("failed to create hackRF device")
		}
	case "serial":
		log.Info().Str("device", "serial").Str("port", opts.Serial.Port).Msg("initializing device...")
		session, err = serialdaq.Open(opts.Serial.Port, opts.Serial.BaudRate)
		if err != nil {
			log.Fatal().Str("device", "serial").Err(err).Msg("failed to open serial DAQ")
		}
	case "file":
		log.Info().Str("device", "file").Msg("initializing device...")
		delay := opts.PlaybackDelay
		if delay == 0 {
			delay = fileReadDelay
		}
		session, err = file.NewFileDevice(opts.PlaybackLocation, delay)
		if err != nil {
			log.Fatal().Str("device", "file").Err(err).Msg("failed to init file reader")
		}
	default:
		log.Info().Str("device", "sim").Msg("initializing device...")
		session = sim.NewSession(sim.WithGenerator(sim.GatedPulse(0.1, 2, opts.FrameSize/10, float64(opts.FrameSize)/8, 0.05), simFrameDelay))
	}

	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	controller, err := pulsescope.NewController(session,
		pulsescope.Options{
			MaxStoredSweeps:  opts.MaxStoredSweeps,
			MaxFrameFailures: opts.MaxFrameFailures,
		},
		pulsescope.WithInfluxDB(writeAPI),
		pulsescope.WithLogger(log.Logger),
		pulsescope.WithStateListener(func(sc pulsescope.StateChange) {
			if sc.Err != nil {
				log.Error().Err(sc.Err).Str("state", sc.To.String()).Msg("pipeline forced idle")
			}
		}))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return controller.Run(ctx)
	})

	params, err := controller.Initialize(ctx, opts.DeviceParams())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize acquisition")
	}
	log.Info().
		Float64("sample_rate", params.SampleRate).
		Int("frame_size", params.FrameSize).
		Int("frame_num", params.FrameNum).
		Msg("acquisition ready")

	pollOpts, err := monitor.OptionsFromConfig(opts.Poll)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid poll config")
	}

	var outputs []pulsescope.SnapshotOutput
	if len(opts.OutputDestinations) > 0 {
		outputs = append(outputs, output.NewSnapshotUDPOutput(opts.OutputDestinations, false, writeAPI))
	}
	if opts.SnapshotLog != "" {
		db, err := output.NewSnapshotDB(opts.SnapshotLog, controller.RunID().String())
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.SnapshotLog).Msg("failed to open snapshot log")
		}
		outputs = append(outputs, db)
	}

	window := viz.NewViewWindow(opts.Poll.Window, opts.Poll.Retention)

	var vizServer *viz.Server
	if opts.VizServer.Port > 0 {
		vizServer = viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval)

		snapPlot := viz.NewSnapshotPlotter("sweep")
		outputs = append(outputs, snapPlot)
		vizServer.Register("pulsescope", snapPlot)
		vizServer.Register("pulsescope", viz.NewWindowPlotter("trace", window, false))
		vizServer.Register("pulsescope", viz.NewWindowPlotter("trace mean", window, true))
		vizServer.RegisterWindow("trace", window)

		eg.Go(func() error {
			return vizServer.Run(ctx)
		})
	}

	for _, out := range outputs {
		eg.Go(func() error {
			return out.Start(ctx)
		})
	}

	pollOpts.Outputs = outputs
	poller := monitor.NewPoller(controller, window, pollOpts,
		monitor.WithInfluxDB(writeAPI), monitor.WithLogger(log.Logger))

	eg.Go(func() error {
		return poller.Run(ctx)
	})

	if err := controller.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sampling")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {

		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()

		err := controller.Deactivate(shutdownCtx)
		if vizServer != nil {
			vizServer.Stop(shutdownCtx)
		}
		cancel()
		if errors.Is(err, pulsescope.ErrClosed) {
			return nil
		}
		return err
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("exited program")
	}
}
