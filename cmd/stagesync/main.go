package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/cybre/dmx-music-sync/internal/config"
	"github.com/cybre/dmx-music-sync/internal/controller"
	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/ui"
)

type loopConfig struct {
	Device     *portaudio.DeviceInfo
	Show       *config.Config
	Patch      []fixture.Patched
	SampleRate float64
	FrameSize  int
	Channels   int
	Latency    time.Duration
	BPM        float64
	Visualize  bool
}

func main() {
	cfg := parseCLIFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runController(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runController(ctx context.Context, cfg runtimeOptions) error {
	show, patch, err := loadShow(cfg.configPath)
	if err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return eris.Wrap(err, "initialize PortAudio")
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return eris.Wrap(err, "enumerate audio devices")
	}

	defaultDevice, err := portaudio.DefaultInputDevice()
	if err != nil {
		return eris.Wrap(err, "resolve default audio input device")
	}

	logger := setupLogger(cfg.debug, cfg.visualize)

	device, err := selectDevice(devices, defaultDevice.Index, patch, cfg)
	if err != nil {
		return eris.Wrap(err, "select device")
	}
	if device.MaxInputChannels < 1 {
		return eris.Errorf("device %s has no input channels; select a loopback/monitor device", device.Name)
	}

	loopCfg := buildLoopConfig(device, show, patch, cfg)

	if cfg.channels > 0 && cfg.channels > int(device.MaxInputChannels) {
		logger.Warn("requested channels exceed device capabilities",
			slog.Int("requested", cfg.channels),
			slog.Int("max", int(device.MaxInputChannels)),
			slog.Int("using", loopCfg.Channels),
		)
	}

	if err := run(ctx, logger, loopCfg); err != nil && !eris.Is(err, context.Canceled) {
		logger.Error("stage sync loop failed", slog.Any("error", err))
		return err
	}

	return nil
}

func setupLogger(debug, visualize bool) *slog.Logger {
	logOutput := os.Stdout
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	if visualize && !debug {
		logLevel = slog.LevelWarn
	}
	if visualize {
		logOutput = os.Stderr
	}

	logger := slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	return logger
}

func run(ctx context.Context, logger *slog.Logger, cfg loopConfig) error {
	for _, f := range cfg.Patch {
		info := f.Profile.Describe()
		logger.Info("patched fixture",
			slog.String("id", f.ID),
			slog.String("profile", info.ID),
			slog.String("mixing", f.Profile.Mixing().String()),
			slog.Bool("mechanical", fixture.IsMechanical(f.Profile)))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frameCh := make(chan []float32, 32)
	analysedCh := make(chan dsp.Frame, 32)
	analyzer, err := dsp.NewAnalyzer(cfg.SampleRate, cfg.FrameSize, dsp.DefaultBands())
	if err != nil {
		return eris.Wrap(err, "create spectrum analyzer")
	}
	normalizer := dsp.NewNormalizer(time.Now(), dsp.NormalizerOptions{})

	var viz *ui.Visualizer
	if cfg.Visualize {
		viz = ui.NewVisualizer(cancel)
		defer viz.Close()
	}

	ctrl := controller.New(controller.Options{
		Tempo:      cfg.Show.Tempo.Options(logger),
		Energy:     cfg.Show.Energy.Options(logger),
		Strategy:   cfg.Show.Strategy.Options(logger),
		Safety:     cfg.Show.Safety.Options(logger),
		Patterns:   cfg.Show.Patterns.Options(),
		Fixtures:   cfg.Patch,
		Sink:       controller.NewLogSink(logger),
		Visualizer: viz,
		Logger:     logger,
	})
	if cfg.BPM > 0 {
		ctrl.SetBPM(cfg.BPM)
	}

	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		defer close(frameCh)
		return captureAudio(gctx, logger, frameCh, cfg)
	})

	g.Go(func() error {
		defer close(analysedCh)
		var mono []float64
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case samples, ok := <-frameCh:
				if !ok {
					return nil
				}
				mono = dsp.ToMono(samples, cfg.Channels, mono)
				frame := normalizer.Frame(analyzer.Process(mono, time.Now()))
				select {
				case analysedCh <- frame:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		return ctrl.Run(gctx, analysedCh)
	})

	err = g.Wait()
	metrics := ctrl.SafetyMetrics()
	logger.Info("stage sync stopped",
		slog.Int("track_resets", ctrl.Resets()),
		slog.Int("blocked_changes", metrics.TotalBlocked),
		slog.Int("latch_activations", metrics.LatchActivations),
		slog.Int("strobe_delegations", metrics.StrobeDelegations))

	if err != nil {
		if eris.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	return nil
}

func captureAudio(ctx context.Context, logger *slog.Logger, out chan []float32, cfg loopConfig) error {
	if cfg.Device == nil {
		return eris.New("audio device is not specified")
	}

	logger.Info("using audio input device",
		slog.String("name", cfg.Device.Name),
		slog.Float64("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
		slog.Int("frame_size", cfg.FrameSize))

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   cfg.Device,
			Channels: cfg.Channels,
			Latency:  cfg.Device.DefaultLowInputLatency,
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FrameSize,
	}
	if cfg.Latency > 0 {
		params.Input.Latency = cfg.Latency
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		frame := make([]float32, len(in))
		copy(frame, in)

		select {
		case out <- frame:
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- frame:
			default:
			}
		}
	})
	if err != nil {
		return eris.Wrap(err, "open audio stream")
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return eris.Wrap(err, "start audio stream")
	}
	defer stream.Stop()

	<-ctx.Done()
	return ctx.Err()
}
