package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

func TestRecordWritesRequestedDuration(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.wav")
	samples := make([]int16, 8000*2*2)
	for i := range samples {
		samples[i] = int16(i % 128)
	}
	if err := audio.SaveWAV(input, audio.Clip{SampleRate: 8000, Channels: 2, PCM: audio.EncodePCM16(samples)}); err != nil {
		t.Fatalf("save input: %v", err)
	}

	cfg := config.Default()
	cfg.Audio.Backend = "wav"
	cfg.Audio.Input = input
	cfg.Record = config.RecordConfig{DurationMS: 500, Device: -1, SampleRate: 8000, Channels: 2, Output: filepath.Join(dir, "test.wav")}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := record(context.Background(), cfg, &out, logger); err != nil {
		t.Fatalf("record: %v", err)
	}
	if out.String() != "Recording...\nSaved as "+cfg.Record.Output+"\n" {
		t.Fatalf("unexpected progress output %q", out.String())
	}

	clip, err := audio.LoadWAV(cfg.Record.Output)
	if err != nil {
		t.Fatalf("load output: %v", err)
	}
	if clip.SampleRate != 8000 || clip.Channels != 2 {
		t.Fatalf("unexpected format %d Hz %d ch", clip.SampleRate, clip.Channels)
	}
	if got := len(clip.PCM); got != 4000*2*audio.BytesPerSample {
		t.Fatalf("expected half a second of audio, got %d bytes", got)
	}
}

func TestRecordFailsOnFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "mono.wav")
	if err := audio.SaveWAV(input, audio.Clip{SampleRate: 16000, Channels: 1, PCM: make([]byte, 3200)}); err != nil {
		t.Fatalf("save input: %v", err)
	}
	cfg := config.Default()
	cfg.Audio.Backend = "wav"
	cfg.Audio.Input = input
	cfg.Record.Output = filepath.Join(dir, "out.wav")

	if err := record(context.Background(), cfg, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected device error for mismatched input format")
	}
}
