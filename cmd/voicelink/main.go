package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mohit-ai/voicelink"
	"github.com/mohit-ai/voicelink/pkg/session"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg := session.DefaultConfig()
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("VOICE_WS_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("AUDIO_DUMP_DIR"); v != "" {
		cfg.DumpDir = v
	}
	if os.Getenv("VOICE_RECONNECT") == "1" {
		cfg.Reconnect.Enabled = true
	}

	client, err := voicelink.New(
		voicelink.WithLogger(logger),
		voicelink.WithSessionConfig(cfg),
	)
	if err != nil {
		logger.Fatal("audio device setup failed", zap.Error(err))
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Connect(ctx)
	cancel()
	if err != nil {
		logger.Fatal("could not reach the voice service", zap.Error(err))
	}

	fmt.Printf("Connected to %s (agent %s)\n", cfg.URL, cfg.AgentID)
	fmt.Println("Speak into the microphone. Press Ctrl+C to exit.")

	// Visual feedback for microphone levels
	go func() {
		for {
			level := client.MicLevel()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", strings.Repeat("|", dots), level)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		for ev := range client.Events() {
			switch ev.Type {
			case session.EventConnected:
				fmt.Printf("\r\033[K[CONNECTED]\n")
			case session.EventUserTranscript:
				if msg, ok := ev.Data.(session.ConversationMessage); ok {
					fmt.Printf("\r\033[K[YOU] %s\n", msg.Content)
				}
			case session.EventAgentResponse:
				if msg, ok := ev.Data.(session.ConversationMessage); ok {
					fmt.Printf("\r\033[K[AGENT] %s\n", msg.Content)
				}
			case session.EventError:
				fmt.Printf("\r\033[K[ERROR] %v\n", ev.Data)
			case session.EventDisconnected:
				fmt.Printf("\r\033[K[DISCONNECTED]\n")
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nShutting down...\n")
	_ = client.Disconnect()
}
