package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("loqa-scribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  string
		input       string
		outputPath  string
		format      string
		sttMode     string
		workers     int
		keepTemp    bool
		showVersion bool
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&input, "input", "", "Video file to transcribe (prompted for when empty)")
	fs.StringVar(&outputPath, "output", "", "Transcript path (default extracted_text.txt)")
	fs.StringVar(&format, "format", "", "Transcript format: txt, md or json (default from extension)")
	fs.StringVar(&sttMode, "stt", "", "Recognizer: mock, exec, openai or whisper")
	fs.IntVar(&workers, "workers", 0, "Parallel transcriptions (default number of CPUs)")
	fs.BoolVar(&keepTemp, "keep-temp", false, "Keep intermediate audio files")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	// a missing .env is normal
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if outputPath != "" {
		cfg.Output.Path = outputPath
	}
	if format != "" {
		cfg.Output.Format = format
	}
	if sttMode != "" {
		cfg.STT.Mode = sttMode
	}
	if workers > 0 {
		cfg.STT.Workers = workers
	}
	if keepTemp {
		cfg.Media.KeepTemp = true
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	if input == "" && fs.NArg() > 0 {
		input = fs.Arg(0)
	}
	if input == "" {
		input, err = prompt(stdin, stdout)
		if err != nil {
			logger.Error("failed to read video path", slog.String("error", err.Error()))
			return 1
		}
	}
	if _, err := os.Stat(input); err != nil {
		fmt.Fprintln(stderr, "Error: File not found. Please provide a valid path.")
		return 1
	}

	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Telemetry.StdoutTraces {
		shutdown, _, err := runtime.SetupTelemetry(cfg, logger)
		if err != nil {
			logger.Warn("telemetry disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
				}
			}()
		}
	}

	pipe, err := pipeline.New(cfg, logger)
	if err != nil {
		if errors.Is(err, stt.ErrWhisperUnavailable) {
			fmt.Fprintln(stderr, "Error: this build cannot run whisper models. Rebuild with -tags whispercpp or choose another recognizer with -stt.")
			return 1
		}
		logger.Error("failed to build pipeline", slog.String("error", err.Error()))
		return 1
	}
	defer pipe.Close()

	res, err := pipe.Run(ctx, pipeline.Request{Input: input})
	if err != nil {
		switch {
		case errors.Is(err, media.ErrInputNotFound):
			fmt.Fprintln(stderr, "Error: File not found. Please provide a valid path.")
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(stderr, "Interrupted.")
		default:
			fmt.Fprintf(stderr, "An error occurred: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(stdout, "\nTranscription complete! Text saved to %s\n", res.Output)
	if cfg.STT.Mode == "mock" {
		fmt.Fprintln(stdout, "Note: the mock recognizer was used, the saved text is placeholder output.")
	}
	return 0
}

func prompt(stdin io.Reader, stdout io.Writer) (string, error) {
	fmt.Fprint(stdout, "Enter the path to your video file (e.g., 'video.mp4'): ")
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	path := strings.TrimSpace(line)
	if path == "" {
		return "", errors.New("no video path given")
	}
	return path, nil
}
