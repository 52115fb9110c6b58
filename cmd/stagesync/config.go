package main

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rotisserie/eris"

	"github.com/cybre/dmx-music-sync/internal/config"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/ui"
)

func loadShow(path string) (*config.Config, []fixture.Patched, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	patch, err := cfg.Fixtures(fixture.NewRegistry())
	if err != nil {
		return nil, nil, eris.Wrap(err, "resolve fixture patch")
	}
	return cfg, patch, nil
}

func selectDevice(
	devices []*portaudio.DeviceInfo,
	defaultDeviceIndex int,
	patch []fixture.Patched,
	opts runtimeOptions,
) (*portaudio.DeviceInfo, error) {
	if len(devices) == 0 {
		return nil, eris.New("no input devices available")
	}

	if opts.deviceIndex >= 0 {
		if opts.deviceIndex >= len(devices) {
			return nil, eris.Errorf("invalid device index %d", opts.deviceIndex)
		}
		return devices[opts.deviceIndex], nil
	}

	initialDevice := effectiveInitialDeviceIndex(opts.deviceIndex, defaultDeviceIndex, len(devices))

	result, err := ui.RunSetup(
		buildDeviceOptions(devices),
		ui.SetupConfig{
			RequireDevice: true,
			InitialDevice: initialDevice,
			Patch:         describePatch(patch),
		},
	)
	if err != nil {
		if eris.Is(err, ui.ErrNoInteractiveTTY) {
			return devices[initialDevice], nil
		}
		return nil, err
	}

	return devices[result.DeviceIndex], nil
}

func describePatch(patch []fixture.Patched) []ui.PatchRow {
	rows := make([]ui.PatchRow, len(patch))
	for i, f := range patch {
		rows[i] = ui.PatchRow{
			ID:        f.ID,
			Profile:   f.Profile.Describe().Name,
			Mixing:    f.Profile.Mixing().String(),
			Protected: fixture.IsMechanical(f.Profile),
		}
	}
	return rows
}

func buildDeviceOptions(devices []*portaudio.DeviceInfo) []ui.Option {
	options := make([]ui.Option, len(devices))
	for i, dev := range devices {
		options[i] = ui.Option{
			Label: fmt.Sprintf(
				"[%d] %s · %.0fHz · in:%d · latency:%.1fms",
				i,
				dev.Name,
				dev.DefaultSampleRate,
				dev.MaxInputChannels,
				dev.DefaultLowInputLatency.Seconds()*1000,
			),
		}
	}
	return options
}

func effectiveInitialDeviceIndex(requested, fallback, length int) int {
	if length == 0 {
		return 0
	}
	if requested >= 0 && requested < length {
		return requested
	}
	if fallback >= 0 && fallback < length {
		return fallback
	}
	return 0
}

func buildLoopConfig(device *portaudio.DeviceInfo, show *config.Config, patch []fixture.Patched, opts runtimeOptions) loopConfig {
	return loopConfig{
		Device:     device,
		Show:       show,
		Patch:      patch,
		SampleRate: effectiveSampleRate(opts.sampleRate, device.DefaultSampleRate),
		FrameSize:  effectiveFrameSize(opts.frameSize),
		Channels:   sanitizeChannelCount(opts.channels, int(device.MaxInputChannels)),
		Latency:    opts.latency,
		BPM:        opts.bpm,
		Visualize:  opts.visualize,
	}
}

func sanitizeChannelCount(requested, max int) int {
	if requested <= 0 {
		return 1
	}

	if max > 0 && requested > max {
		return max
	}

	return requested
}

func effectiveSampleRate(requested, deviceDefault float64) float64 {
	if requested > 0 {
		return requested
	}

	if deviceDefault > 0 {
		return deviceDefault
	}

	return 44100
}

func effectiveFrameSize(requested int) int {
	if requested > 0 {
		return requested
	}

	return 1024
}
