package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.ChunkFrames != 8000 {
		t.Fatalf("expected 16kHz/8000 frame chunks, got %d/%d", cfg.Audio.SampleRate, cfg.Audio.ChunkFrames)
	}
	if cfg.Audio.Channels != 1 {
		t.Fatalf("expected mono capture by default, got %d", cfg.Audio.Channels)
	}
	if cfg.Runner.Interpreter != "python3" {
		t.Fatalf("expected python3 interpreter, got %q", cfg.Runner.Interpreter)
	}
	if cfg.Record.Channels != 2 || cfg.Record.DurationMS != 5000 {
		t.Fatalf("unexpected record defaults: %+v", cfg.Record)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_AUDIO_BACKEND", "portaudio")
	t.Setenv("LOQA_AUDIO_DEVICE", "3")
	t.Setenv("LOQA_AUDIO_CHUNK_FRAMES", "4000")
	t.Setenv("LOQA_AUDIO_STATUS_POLICY", "fatal")
	t.Setenv("LOQA_RECOGNIZER_MODE", "exec")
	t.Setenv("LOQA_RECOGNIZER_COMMAND", "python3 vosk_bridge.py --model ./model")
	t.Setenv("LOQA_RUNNER_INTERPRETER", "python3 -u")
	t.Setenv("LOQA_SERVER_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_STORE_PARTIALS", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.Backend != "portaudio" || cfg.Audio.Device != 3 || cfg.Audio.ChunkFrames != 4000 {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.Audio.StatusPolicy != "fatal" {
		t.Fatalf("expected fatal status policy, got %q", cfg.Audio.StatusPolicy)
	}
	if cfg.Recognizer.Mode != "exec" || cfg.Recognizer.Command == "" {
		t.Fatalf("expected recognizer overrides, got %+v", cfg.Recognizer)
	}
	if cfg.Runner.Interpreter != "python3 -u" {
		t.Fatalf("expected interpreter override, got %q", cfg.Runner.Interpreter)
	}
	if cfg.Server.MaxUploadBytes != 2048 {
		t.Fatalf("expected upload limit override, got %d", cfg.Server.MaxUploadBytes)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.EventStore.RetentionMode != "persistent" || !cfg.EventStore.StorePartials {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
audio:
  backend: wav
  input: ./test.wav
  realtime: true
recognizer:
  mode: mock
  utterance_chunks: 3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Backend != "wav" || cfg.Audio.Input != "./test.wav" || !cfg.Audio.Realtime {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate to survive partial file, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Recognizer.UtteranceChunks != 3 {
		t.Fatalf("expected utterance chunks 3, got %d", cfg.Recognizer.UtteranceChunks)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRunnerIgnoresTranscriberSections(t *testing.T) {
	t.Setenv("LOQA_RECOGNIZER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected full load to reject exec mode without a command")
	}
	cfg, err := LoadRunner("")
	if err != nil {
		t.Fatalf("runner load: %v", err)
	}
	if cfg.Runner.Interpreter == "" {
		t.Fatal("expected default interpreter")
	}

	path := filepath.Join(t.TempDir(), "runner.yaml")
	if err := os.WriteFile(path, []byte("runner:\n  interpreter: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadRunner(path); err == nil {
		t.Fatal("expected error for empty interpreter")
	}
}

func TestValidateRejectsInvalidAudio(t *testing.T) {
	cases := map[string]func(*Config){
		"device":        func(c *Config) { c.Audio.Device = -2 },
		"sample rate":   func(c *Config) { c.Audio.SampleRate = 0 },
		"channels":      func(c *Config) { c.Audio.Channels = 0 },
		"chunk frames":  func(c *Config) { c.Audio.ChunkFrames = -1 },
		"backend":       func(c *Config) { c.Audio.Backend = "alsa" },
		"wav no input":  func(c *Config) { c.Audio.Backend = "wav" },
		"status policy": func(c *Config) { c.Audio.StatusPolicy = "retry" },
		"vosk stereo":   func(c *Config) { c.Audio.Channels = 2 },
		"exec command":  func(c *Config) { c.Recognizer.Mode = "exec" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
