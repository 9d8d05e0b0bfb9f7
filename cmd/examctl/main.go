package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/exam"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/stage1"
	"golang.org/x/term"
)

func main() {
	var (
		token   string
		backend string
		logFile string
	)
	flag.StringVar(&token, "token", os.Getenv("EXAM_TOKEN"), "Candidate bearer token (prompted when empty)")
	flag.StringVar(&backend, "backend", "", "Stage 1 API base URL (default: BACKEND_URL)")
	flag.StringVar(&logFile, "log", "examctl.log", "Log file; the terminal is owned by the exam UI")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	if backend == "" {
		backend = cfg.BackendURL
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	log := logger.SetupTo(f, cfg.LogLevel, "json")

	if token == "" {
		fmt.Fprint(os.Stderr, "Enter candidate token: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil || len(raw) == 0 {
			fmt.Fprintln(os.Stderr, "Error: a token is required")
			os.Exit(2)
		}
		token = string(raw)
	}

	// ─── Session ───────────────────────────────────────────────────────
	opts := exam.DefaultOptions()
	opts.DurationSeconds = cfg.ExamDurationSeconds
	opts.TimeWarningSeconds = cfg.TimeWarningSeconds
	opts.ViolationBannerSeconds = cfg.ViolationBannerSeconds
	opts.SessionID = uuid.New()

	client := stage1.NewClient(backend, token, cfg.BackendTimeout, log)
	machine, err := exam.NewMachine(client, opts, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}
	sub := machine.Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := machine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session loop failed to start")
		}
	}()

	p := tea.NewProgram(newModel(machine, sub), tea.WithAltScreen(), tea.WithReportFocus())
	if _, err := p.Run(); err != nil {
		log.Error().Err(err).Msg("Terminal UI failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	cancel()
	<-machine.Done()
	sub.Close()
	log.Info().Str("session_id", opts.SessionID.String()).Msg("Session closed")
}
