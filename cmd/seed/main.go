// Package main implements a one-shot seed command that creates a user, and
// optionally a room owned by that user, directly in the relay database.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email alice@example.com \
//	  --password secret123 \
//	  --name "Alice" \
//	  --room general --members 2,3
//
// Environment variables:
//
//	RELAY_DB_DRIVER  sqlite or postgres (default: sqlite)
//	RELAY_DB_DSN     SQLite file path or Postgres DSN (default: ./relay.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relay-chat/relay/internal/auth"
	"github.com/relay-chat/relay/internal/db"
	"github.com/relay-chat/relay/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "", "Display name (default: email local part)")
	roomName := flag.String("room", "", "Also create a room with this name, owned by the user")
	members := flag.String("members", "", "Comma-separated user ids to add to --room")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	memberIDs, err := parseIDs(*members)
	if err != nil {
		return fmt.Errorf("--members: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("RELAY_DB_DRIVER", db.DriverSQLite),
		DSN:      envOrDefault("RELAY_DB_DSN", "./relay.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(database) //nolint:errcheck

	ctx := context.Background()

	// ─── Create user ──────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	displayName := *name
	if displayName == "" {
		displayName, _, _ = strings.Cut(*email, "@")
	}

	user := &db.User{
		Email:       strings.ToLower(strings.TrimSpace(*email)),
		DisplayName: displayName,
		Password:    hashed,
		IsActive:    true,
	}

	userRepo := repositories.NewUserRepository(database)
	if err := userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %d\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)

	if *roomName == "" {
		return nil
	}

	// ─── Create room ──────────────────────────────────────────────────────────

	room := &db.Room{Name: *roomName, OwnerID: user.ID}
	if err := repositories.NewRoomRepository(database).Create(ctx, room, memberIDs...); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("one of --members does not exist")
		}
		return fmt.Errorf("create room: %w", err)
	}

	fmt.Printf("✓ Room created\n")
	fmt.Printf("  ID:      %d\n", room.ID)
	fmt.Printf("  Name:    %s\n", room.Name)
	fmt.Printf("  Members: %d\n", len(memberIDs)+1)

	return nil
}

func parseIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
