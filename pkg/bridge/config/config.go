package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Model (speech-to-speech) upstream.
	ModelURL    string
	ModelAPIKey string
	ModelName   string
	ModelVoice  string

	// Carrier call-control REST API.
	CallControlURL    string
	CallControlAPIKey string

	// Booking backend REST API.
	BackendURL    string
	BackendAPIKey string

	// Call record store.
	DBPath string

	// Watchdogs.
	MaxSilence      time.Duration
	MaxCallDuration time.Duration
	HangupGrace     time.Duration

	// Fixed outbound media cadence.
	FrameDuration time.Duration
	FrameBytes    int

	// Voice activity detection.
	VADSpeechRMS       float64
	VADSilenceRMS      float64
	VADCandidateFrames int
	VADCandidateTTL    time.Duration
	VADFillers         []string

	// Barge-in protection windows after assistant speech starts.
	GreetingProtectionInbound  time.Duration
	GreetingProtectionOutbound time.Duration

	// Repeated-response guard.
	AntiloopSimilarity float64

	// Model session handshake and tools.
	AckTimeout  time.Duration
	ToolTimeout time.Duration

	// WebSocket plumbing.
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	OutboundQueue  int

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("CALLBRIDGE_ADDR", ":8080"),
		ModelURL:                   envOr("CALLBRIDGE_MODEL_URL", "wss://api.openai.com/v1/realtime"),
		ModelAPIKey:                strings.TrimSpace(os.Getenv("CALLBRIDGE_MODEL_KEY")),
		ModelName:                  envOr("CALLBRIDGE_MODEL_NAME", "gpt-realtime"),
		ModelVoice:                 envOr("CALLBRIDGE_MODEL_VOICE", "marin"),
		CallControlURL:             envOr("CALLBRIDGE_CALLCTRL_URL", "https://api.telnyx.com/v2"),
		CallControlAPIKey:          strings.TrimSpace(os.Getenv("CALLBRIDGE_CALLCTRL_KEY")),
		BackendURL:                 strings.TrimSpace(os.Getenv("CALLBRIDGE_BACKEND_URL")),
		BackendAPIKey:              strings.TrimSpace(os.Getenv("CALLBRIDGE_BACKEND_KEY")),
		DBPath:                     envOr("CALLBRIDGE_DB_PATH", "callbridge.db"),
		MaxSilence:                 envDurationOr("CALLBRIDGE_MAX_SILENCE", 20*time.Second),
		MaxCallDuration:            envDurationOr("CALLBRIDGE_MAX_CALL_DURATION", 5*time.Minute),
		HangupGrace:                envDurationOr("CALLBRIDGE_HANGUP_GRACE", 2*time.Second),
		FrameDuration:              envDurationOr("CALLBRIDGE_FRAME_DURATION", 20*time.Millisecond),
		VADSpeechRMS:               envFloat64Or("CALLBRIDGE_VAD_SPEECH_RMS", 0.015),
		VADSilenceRMS:              envFloat64Or("CALLBRIDGE_VAD_SILENCE_RMS", 0.008),
		VADCandidateFrames:         envIntOr("CALLBRIDGE_VAD_CANDIDATE_FRAMES", 5),
		VADCandidateTTL:            envDurationOr("CALLBRIDGE_VAD_CANDIDATE_TTL", 2*time.Second),
		GreetingProtectionInbound:  envDurationOr("CALLBRIDGE_GREETING_PROTECTION_INBOUND", 1500*time.Millisecond),
		GreetingProtectionOutbound: envDurationOr("CALLBRIDGE_GREETING_PROTECTION_OUTBOUND", 2500*time.Millisecond),
		AntiloopSimilarity:         envFloat64Or("CALLBRIDGE_ANTILOOP_SIMILARITY", 0.85),
		AckTimeout:                 envDurationOr("CALLBRIDGE_ACK_TIMEOUT", 3*time.Second),
		ToolTimeout:                envDurationOr("CALLBRIDGE_TOOL_TIMEOUT", 10*time.Second),
		WSWriteTimeout:             envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:             envDurationOr("CALLBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		OutboundQueue:              envIntOr("CALLBRIDGE_OUTBOUND_QUEUE", 256),
		ReadHeaderTimeout:          envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	cfg.VADFillers = splitCSV(envOr("CALLBRIDGE_VAD_FILLERS", "uh,um,hmm,mm,mhm,ah,eh,hm"))

	if strings.TrimSpace(cfg.ModelAPIKey) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_MODEL_KEY must be set")
	}
	if strings.TrimSpace(cfg.ModelURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_MODEL_URL must not be empty")
	}
	if strings.TrimSpace(cfg.ModelName) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_MODEL_NAME must not be empty")
	}
	if strings.TrimSpace(cfg.CallControlURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_CALLCTRL_URL must not be empty")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_DB_PATH must not be empty")
	}
	if cfg.MaxSilence <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_SILENCE must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.HangupGrace <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANGUP_GRACE must be > 0")
	}
	if cfg.FrameDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_FRAME_DURATION must be > 0")
	}
	if cfg.VADSpeechRMS <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_SPEECH_RMS must be > 0")
	}
	if cfg.VADSilenceRMS <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_SILENCE_RMS must be > 0")
	}
	if cfg.VADSilenceRMS > cfg.VADSpeechRMS {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_SILENCE_RMS must be <= CALLBRIDGE_VAD_SPEECH_RMS")
	}
	if cfg.VADCandidateFrames <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_CANDIDATE_FRAMES must be > 0")
	}
	if cfg.VADCandidateTTL <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_CANDIDATE_TTL must be > 0")
	}
	if cfg.GreetingProtectionInbound < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_GREETING_PROTECTION_INBOUND must be >= 0")
	}
	if cfg.GreetingProtectionOutbound < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_GREETING_PROTECTION_OUTBOUND must be >= 0")
	}
	if cfg.AntiloopSimilarity <= 0 || cfg.AntiloopSimilarity > 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_ANTILOOP_SIMILARITY must be in (0, 1]")
	}
	if cfg.AckTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_ACK_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.OutboundQueue <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	// 8kHz mu-law: one byte per sample.
	cfg.FrameBytes = int(cfg.FrameDuration.Milliseconds()) * 8
	if cfg.FrameBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_FRAME_DURATION must be at least 1ms")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
