package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	var email string
	flag.StringVar(&email, "email", "", "Account email (prompted when empty)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.BackendTokenFile == "" {
		fmt.Println("Error: BACKEND_TOKEN_FILE is not set and no user config directory exists")
		os.Exit(1)
	}

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== ExStem Login ===")
	fmt.Printf("Backend: %s\n", cfg.BackendURL)

	// Email
	if email == "" {
		fmt.Print("Enter Email: ")
		email, _ = reader.ReadString('\n')
		email = strings.TrimSpace(email)
	}
	if email == "" {
		fmt.Println("Error: Email is required")
		os.Exit(1)
	}

	// Password
	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		os.Exit(1)
	}
	fmt.Println() // Newline after password input
	password := string(bytePassword)
	if password == "" {
		fmt.Println("Error: Password is required")
		os.Exit(1)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()

	client := remote.NewClient(cfg.BackendURL, "", cfg.HTTPTimeout, log)
	token, err := client.Login(ctx, email, password)
	if err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}

	if err := service.WriteTokenFile(cfg.BackendTokenFile, token); err != nil {
		log.Fatal().Err(err).Msg("Failed to store token")
	}

	fmt.Printf("\nSuccess! Logged in as %s, token stored in %s\n", email, cfg.BackendTokenFile)
	if exp, err := remote.TokenExpiry(token); err == nil && !exp.IsZero() {
		fmt.Printf("Token valid until %s\n", exp.Local().Format(time.RFC1123))
	}
}
