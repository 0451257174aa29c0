package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/stt-gateway/internal/audio"
	"github.com/lexiqai/stt-gateway/internal/config"
	"github.com/lexiqai/stt-gateway/internal/observability"
	"github.com/lexiqai/stt-gateway/internal/stt"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sttctl",
	Short: "Transcribe raw audio files with Deepgram",
	Long: `sttctl sends raw audio to Deepgram using the same client as the gateway.

Input files are 16kHz mono 16-bit WAV or raw 32-bit little-endian float samples.
Configuration is read from the environment (and .env), e.g. DEEPGRAM_API_KEY.
A YAML file passed with --config overrides the environment.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file applied on top of the environment")
	rootCmd.AddCommand(
		transcribeCmd(),
		streamCmd(),
	)
}

// setup loads config, initializes logging and reads the sample file
func setup(path string) (*config.Config, []float32, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	observability.InitLoggerWithWriter(cfg.LogLevel, true, os.Stderr)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	samples, err := decodeSamples(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode audio file: %w", err)
	}
	return cfg, samples, nil
}

// decodeSamples accepts 16kHz mono WAV files or raw float32 LE samples
func decodeSamples(data []byte) ([]float32, error) {
	if audio.IsWAV(data) {
		return audio.DecodeWAV(data)
	}
	return audio.DecodeFloat32LE(data)
}

func transcribeCmd() *cobra.Command {
	var language string

	cmd := &cobra.Command{
		Use:   "transcribe FILE",
		Short: "Transcribe a whole file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, samples, err := setup(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			provider := stt.NewDeepgramProvider(cfg, nil)
			result, err := provider.Transcribe(ctx, samples, language)
			if err != nil {
				return fmt.Errorf("transcription failed: %w", err)
			}

			fmt.Println(result.Text)
			if result.IsPartial {
				fmt.Fprintln(os.Stderr, "warning: transcript is partial (timed out waiting for final results)")
			}
			if result.Confidence != nil {
				fmt.Fprintf(os.Stderr, "confidence: %.2f\n", *result.Confidence)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Language code (empty lets Deepgram detect it)")
	return cmd
}

func streamCmd() *cobra.Command {
	var (
		language   string
		chunkMs    int
		realtime   bool
		timestamps bool
	)

	cmd := &cobra.Command{
		Use:   "stream FILE",
		Short: "Stream a file in chunks and print segments as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunkMs <= 0 {
				return fmt.Errorf("--chunk-ms must be positive")
			}

			cfg, samples, err := setup(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			provider := stt.NewDeepgramProvider(cfg, nil)
			segments, err := provider.StartStreaming(ctx, language)
			if err != nil {
				return fmt.Errorf("failed to start streaming: %w", err)
			}
			defer provider.StopStreaming()

			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for segment := range segments {
					printSegment(segment, timestamps)
				}
			}()

			chunkSize := audio.SampleRate * chunkMs / 1000
			interval := time.Duration(chunkMs) * time.Millisecond
			for start := 0; start < len(samples); start += chunkSize {
				end := start + chunkSize
				if end > len(samples) {
					end = len(samples)
				}
				if err := provider.SendAudioStream(samples[start:end]); err != nil {
					return fmt.Errorf("failed to send audio: %w", err)
				}
				if realtime {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			transcript, err := provider.FinishStreaming(ctx)
			if err != nil {
				return fmt.Errorf("failed to finish streaming: %w", err)
			}
			<-printed

			fmt.Println()
			fmt.Println(transcript)
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Language code (empty lets Deepgram detect it)")
	cmd.Flags().IntVar(&chunkMs, "chunk-ms", 100, "Audio chunk size in milliseconds")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "Pace chunks at real-time speed")
	cmd.Flags().BoolVar(&timestamps, "timestamps", false, "Prefix segments with their start time")
	return cmd
}

func printSegment(segment stt.TranscriptionSegment, timestamps bool) {
	prefix := ""
	if timestamps && segment.StartTime != nil {
		prefix = "[" + stt.FormatTimestamp(*segment.StartTime) + "] "
	}

	if !segment.IsFinal {
		fmt.Fprintf(os.Stderr, "%s... %s\n", prefix, segment.Text)
		return
	}
	fmt.Printf("%s%s\n", prefix, stt.FormatSegmentWithSpeakers(segment))
}
