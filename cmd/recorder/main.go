package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"podster/config"
	"podster/internal/uploader"
	"podster/pkg/logger"

	"go.uber.org/zap"
)

const usage = `
Podster - Recorder

Captures a media stream into local chunks, then uploads it as one
multipart object to the session's storage.

Usage:
  recorder -session <id> -token <host token> [flags]

Flags:
  -api string      API base URL (default from PODSTER_API_URL)
  -input string    File to capture, "-" for stdin (default "-")
  -resume          Skip capture and upload the chunks already stored
  -slice duration  Capture slice length (default 1s)
  -user string     User id recorded on each chunk (default "host")
`

func main() {
	cfg := config.LoadConfig()

	sessionID := flag.String("session", "", "Session id")
	token := flag.String("token", os.Getenv("PODSTER_HOST_TOKEN"), "Host token")
	apiURL := flag.String("api", cfg.Upload.APIBaseURL, "API base URL")
	input := flag.String("input", "-", "File to capture, - for stdin")
	resume := flag.Bool("resume", false, "Upload stored chunks without capturing")
	slice := flag.Duration("slice", time.Second, "Capture slice length")
	userID := flag.String("user", "host", "User id recorded on each chunk")
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if *sessionID == "" || *token == "" {
		flag.Usage()
		os.Exit(1)
	}

	l := logger.New(cfg.LogMode)
	defer l.Sync()

	store, err := uploader.NewFileChunkStore(cfg.Upload.ChunkDir)
	if err != nil {
		log.Fatalf("Failed to open chunk store: %v", err)
	}

	if !*resume {
		if err := record(store, *sessionID, *userID, *input, *slice, l); err != nil {
			log.Fatalf("Capture failed: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := uploader.NewPool(uploader.PoolConfig{
		Concurrency: cfg.Upload.Concurrency,
		MaxRetries:  cfg.Upload.MaxRetries,
		BackoffBase: cfg.Upload.BackoffBase,
	}, nil, l)
	pipeline := uploader.NewPipeline(store, uploader.NewAPIClient(*apiURL, *token, nil), pool, cfg.Upload.PartSizeBytes, l)
	pipeline.OnEvent = func(ev uploader.Event) {
		switch ev.Type {
		case uploader.EventCompleted:
			l.Info("part uploaded", zap.Int32("part", ev.PartNumber), zap.Int("attempts", ev.Attempts))
		case uploader.EventError:
			l.Error("part failed", zap.Int32("part", ev.PartNumber), zap.Error(ev.Err))
		}
	}

	sess, err := pipeline.Upload(ctx, *sessionID)
	if err != nil {
		if errors.Is(err, uploader.ErrEmptyCapture) {
			log.Fatalf("Nothing to upload for session %s", *sessionID)
		}
		log.Fatalf("Upload failed, chunks kept for -resume: %v", err)
	}
	l.Info("recording uploaded", zap.String("session_id", sess.ID.String()), zap.String("status", string(sess.Status)))
}

// record copies input into the store one slice at a time until EOF or an
// interrupt.
func record(store uploader.ChunkStore, sessionID, userID, input string, slice time.Duration, l *logger.Logger) error {
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	rec, err := uploader.NewRecorder(context.Background(), store, sessionID, userID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Info("capturing", zap.String("session_id", sessionID), zap.String("input", input))
	captureErr := capture(ctx, rec, r, slice)
	if err := rec.Stop(); err != nil {
		return err
	}
	return captureErr
}

func capture(ctx context.Context, rec *uploader.Recorder, r io.Reader, slice time.Duration) error {
	data := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(data)
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case data <- slices.Clone(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	var pending []byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		_, err := rec.Write(pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case b, ok := <-data:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			pending = append(pending, b...)
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return flush()
		}
	}
}
