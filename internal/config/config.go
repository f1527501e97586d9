// Package config loads the environment-variable configuration surface of
// spec.md §6. Every setting is optional and falls back to the documented
// default, matching the teacher's functional-options style (core/options.go)
// for the pieces that get passed on as stage Option values.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the fully resolved server configuration for one relayvoxd
// process.
type Config struct {
	Port int

	VADMinSilenceMS int
	VADStartMS      int
	VADPadMS        int

	LLMTemperature float64
	LLMMaxTokens   int
	LLMContextMax  int

	TTSVoiceID     string
	TTSSampleRate  int
	TTSMaxRestarts int

	STTTemperature float64
	STTDevice      string

	SystemPrompt string
}

// Default returns spec.md §6's documented defaults.
func Default() Config {
	return Config{
		Port:            8000,
		VADMinSilenceMS: 200,
		VADStartMS:      80,
		VADPadMS:        120,
		LLMTemperature:  0.3,
		LLMMaxTokens:    512,
		LLMContextMax:   20,
		TTSSampleRate:   24000,
		TTSMaxRestarts:  3,
		STTTemperature:  0.0,
		STTDevice:       "auto",
	}
}

// Load reads the environment variables of spec.md §6 on top of Default,
// returning an *InvalidError for any value that fails to parse or is not
// one of the accepted values. Per spec.md §7, the caller maps that error to exit code 1.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()

	var err error
	if c.Port, err = intEnv(getenv, "PORT", c.Port); err != nil {
		return c, err
	}
	if c.VADMinSilenceMS, err = intEnv(getenv, "VAD_MIN_SILENCE_MS", c.VADMinSilenceMS); err != nil {
		return c, err
	}
	if c.VADStartMS, err = intEnv(getenv, "VAD_START_MS", c.VADStartMS); err != nil {
		return c, err
	}
	if c.VADPadMS, err = intEnv(getenv, "VAD_PAD_MS", c.VADPadMS); err != nil {
		return c, err
	}
	if c.LLMTemperature, err = floatEnv(getenv, "LLM_TEMPERATURE", c.LLMTemperature); err != nil {
		return c, err
	}
	if c.LLMMaxTokens, err = intEnv(getenv, "LLM_MAX_TOKENS", c.LLMMaxTokens); err != nil {
		return c, err
	}
	if c.LLMContextMax, err = intEnv(getenv, "LLM_CONTEXT_MAX", c.LLMContextMax); err != nil {
		return c, err
	}
	if c.TTSSampleRate, err = intEnv(getenv, "TTS_SAMPLE_RATE", c.TTSSampleRate); err != nil {
		return c, err
	}
	if c.TTSMaxRestarts, err = intEnv(getenv, "TTS_MAX_RESTARTS", c.TTSMaxRestarts); err != nil {
		return c, err
	}
	if c.STTTemperature, err = floatEnv(getenv, "STT_TEMPERATURE", c.STTTemperature); err != nil {
		return c, err
	}

	c.TTSVoiceID = getenv("TTS_VOICE_ID")
	c.SystemPrompt = getenv("SYSTEM_PROMPT")

	if v := getenv("STT_DEVICE"); v != "" {
		switch v {
		case "auto", "cpu", "gpu":
			c.STTDevice = v
		default:
			return c, &InvalidError{Key: "STT_DEVICE", Value: v, Reason: "must be one of auto, cpu, gpu"}
		}
	}

	return c, nil
}

// InvalidError reports a malformed environment variable, spec.md §7's
// "config" error kind, which maps to process exit code 1.
type InvalidError struct {
	Key, Value, Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config: invalid %s=%q: %s", e.Key, e.Value, e.Reason)
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, &InvalidError{Key: key, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

func floatEnv(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, &InvalidError{Key: key, Value: v, Reason: "not a number"}
	}
	return f, nil
}
