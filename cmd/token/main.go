// token mints session tokens for local development and manual testing.
// Production tokens come from the identity service.
//
//	go run ./cmd/token --user user-1 --name Hana
//	go run ./cmd/token --user admin-1 --name Admin --role admin --ttl 1h
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"vidachat/internal/auth"
	"vidachat/internal/config"
	"vidachat/internal/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("❌ %v", err)
	}
}

func run(args []string) error {
	_ = godotenv.Load()
	cfg := config.Load()

	var (
		userID string
		name   string
		email  string
		role   string
		secret string
		ttl    time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&userID, "user", "", "user id (required)")
	flagSet.StringVar(&name, "name", "", "display name")
	flagSet.StringVar(&email, "email", "", "email address")
	flagSet.StringVar(&role, "role", string(model.RoleUser), "role: user or admin")
	flagSet.StringVar(&secret, "secret", cfg.JWTSecret, "signing secret (default: JWT_SECRET)")
	flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	if !model.Role(role).Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: set JWT_SECRET or pass --secret")
	}

	token, err := auth.NewManager(secret, "vidachat", ttl).Issue(model.User{
		ID:    userID,
		Name:  name,
		Email: email,
		Role:  model.Role(role),
	})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
