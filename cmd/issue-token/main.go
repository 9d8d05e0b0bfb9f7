package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

func main() {
	var (
		tokenType string
		userID    int
		email     string
		ttl       time.Duration
	)
	flag.StringVar(&tokenType, "type", "candidate", "Token type: candidate or proctor")
	flag.IntVar(&userID, "user", 0, "User ID (prompted when 0)")
	flag.StringVar(&email, "email", "", "Optional email claim")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default: JWT_EXPIRY_HOURS)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.SetupTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	tt := service.TokenType(strings.ToLower(tokenType))
	if tt != service.TokenTypeCandidate && tt != service.TokenTypeProctor {
		fmt.Fprintln(os.Stderr, "Error: -type must be candidate or proctor")
		os.Exit(2)
	}

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	if userID == 0 {
		fmt.Fprint(os.Stderr, "Enter User ID: ")
		raw, _ := reader.ReadString('\n')
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || id <= 0 {
			fmt.Fprintln(os.Stderr, "Error: User ID must be a positive number")
			os.Exit(2)
		}
		userID = id
	}

	// The secret is only prompted for when the environment does not carry one.
	if os.Getenv("JWT_SECRET") == "" {
		fmt.Fprint(os.Stderr, "Enter JWT Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read secret")
		}
		if len(secret) == 0 {
			fmt.Fprintln(os.Stderr, "Error: secret is required")
			os.Exit(2)
		}
		cfg.JWTSecret = string(secret)
	}

	token, err := service.NewAuthService(cfg).IssueToken(tt, userID, email, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().Str("type", string(tt)).Int("user_id", userID).Msg("Token issued")
	fmt.Println(token)
}
