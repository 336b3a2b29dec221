// Command voicelink is a voice client for the VoiceLink backend: it streams
// microphone utterances over a WebSocket session and plays agent replies.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/AltairaLabs/VoiceLink/capture"
	"github.com/AltairaLabs/VoiceLink/config"
	"github.com/AltairaLabs/VoiceLink/cost"
	"github.com/AltairaLabs/VoiceLink/logger"
	"github.com/AltairaLabs/VoiceLink/metrics"
	"github.com/AltairaLabs/VoiceLink/playback"
	"github.com/AltairaLabs/VoiceLink/session"
	"github.com/AltairaLabs/VoiceLink/statestore"
	"github.com/AltairaLabs/VoiceLink/transport"
	"github.com/AltairaLabs/VoiceLink/vad"
	"github.com/AltairaLabs/VoiceLink/version"
	"github.com/AltairaLabs/VoiceLink/wire"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	serverURL  = flag.String("url", "", "WebSocket endpoint (overrides config)")
	sessionID  = flag.String("session", "", "Session ID to resume (default: new)")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.Info())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger.SetVerbose(*verbose)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *serverURL != "" {
		cfg.Transport.URL = *serverURL
	}

	id := *sessionID
	if id == "" {
		id = uuid.New().String()
	}

	budget, err := decimal.NewFromString(cfg.Cost.BudgetLimit)
	if err != nil {
		return fmt.Errorf("invalid budget limit %q: %w", cfg.Cost.BudgetLimit, err)
	}
	ledger, err := cost.NewLedger(id, cost.Config{
		BudgetLimit:       budget,
		WarningThreshold:  cfg.Cost.WarningThreshold,
		CriticalThreshold: cfg.Cost.CriticalThreshold,
		HardStop:          cfg.Cost.HardStop,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(cfg.StateStore)
	if err != nil {
		return err
	}
	defer closeStore()

	headers := http.Header{}
	headers.Set("User-Agent", version.UserAgent())
	if cfg.Transport.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.Transport.APIKey)
	}
	conn := transport.NewConn(&transport.ConnConfig{
		URL:     cfg.Transport.URL,
		Headers: headers,
		Logger:  transport.DefaultLogger(),
	})

	var pipe *session.Pipeline
	sess, err := transport.NewSession(transport.SessionConfig{
		Conn:                 conn,
		SessionID:            id,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Transport.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		Gate:                 ledger,
		OnPhaseChange: func(phase transport.Phase) {
			if pipe != nil {
				pipe.PhaseChanged(phase)
			}
		},
		Logger: transport.DefaultLogger(),
	})
	if err != nil {
		return err
	}

	detector, err := vad.NewDetector(vad.Config{
		Threshold:         cfg.VAD.Threshold,
		SpeechTimeout:     cfg.VAD.SpeechTimeout,
		SilenceTimeout:    cfg.VAD.SilenceTimeout,
		MinSpeechDuration: cfg.VAD.MinSpeechDuration,
		MaxSpeechDuration: cfg.VAD.MaxSpeechDuration,
	})
	if err != nil {
		return err
	}

	recorder := capture.NewRecorder(capture.NewPortAudioSource(), capture.Config{
		SampleRate:     cfg.Capture.SampleRate,
		Channels:       cfg.Capture.Channels,
		FramesPerChunk: cfg.Capture.FramesPerChunk,
	})

	sink, err := playback.NewOtoSink(cfg.Playback.SampleRate, cfg.Playback.Channels)
	if err != nil {
		return fmt.Errorf("failed to open audio output: %w", err)
	}
	player := playback.NewPlayer(sink, playback.Config{
		OutputSampleRate: cfg.Playback.SampleRate,
	})
	player.SetVolume(cfg.Playback.Volume)

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(cfg.Metrics.Addr)
		go func() {
			if err := exporter.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics exporter failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = exporter.Shutdown(ctx)
		}()
	}

	pipe, err = session.NewPipeline(session.Config{
		SessionID: id,
		Recorder:  recorder,
		Detector:  detector,
		Conn:      sess,
		Player:    player,
		Ledger:    ledger,
		Store:     store,
		Callbacks: session.Callbacks{
			OnAgentText: func(agentID, agentName, text string) {
				name := agentName
				if name == "" {
					name = agentID
				}
				fmt.Printf("[%s] %s\n", name, text)
			},
			OnAgentStreamChunk: func(agentID, chunk string, final bool) {
				fmt.Print(chunk)
				if final {
					fmt.Println()
				}
			},
			OnBudgetStatus: func(status cost.Status, summary cost.Summary) {
				fmt.Printf("budget %s: spent $%s of $%s\n",
					status, summary.SessionCost.StringFixed(4), summary.BudgetLimit.StringFixed(2))
			},
			OnServerError: func(data *wire.ErrorData) {
				fmt.Fprintf(os.Stderr, "server error [%s]: %s\n", data.Code, data.Message)
			},
		},
	})
	if err != nil {
		return err
	}
	defer pipe.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := append([]any{"session_id", id, "url", cfg.Transport.URL}, version.BuildAttrs()...)
	logger.Info("voicelink starting", attrs...)
	return pipe.Run(ctx)
}

// buildStore returns the configured snapshot store and a release func.
func buildStore(cfg config.StateStoreConfig) (statestore.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return statestore.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts := []statestore.RedisOption{}
		if cfg.TTL > 0 {
			opts = append(opts, statestore.WithTTL(cfg.TTL))
		}
		return statestore.NewRedisStore(client, opts...), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown statestore backend %q", cfg.Backend)
	}
}
