// Package commands holds the operator CLI actions of the binary.
package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"folio/internal/config"
	"folio/internal/session"
	"folio/internal/store"
)

// AddParticipant registers a participant directly against the local
// database with a generated password, for bootstrapping a fresh
// deployment. The server must not be running: bbolt takes an exclusive
// file lock.
func AddParticipant(ctx context.Context, username string, cfg *config.Config) error {
	password, err := generatePassword()
	if err != nil {
		return err
	}

	db, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database (is the server running?): %w", err)
	}
	defer func() { _ = db.Close() }()

	secret := cfg.AuthSecret
	if secret == "" {
		return fmt.Errorf("AUTH_SECRET is required to create a participant")
	}

	sessions, err := session.NewService(ctx, session.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry: cfg.TokenExpiry,
	}, db)
	if err != nil {
		return err
	}

	participant, err := sessions.Register(session.RegisterRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", username, err)
	}

	fmt.Printf("\nParticipant Created Successfully!\n")
	fmt.Printf("Username:  %s\n", participant.UserName)
	fmt.Printf("Password:  %s\n\n", password)
	fmt.Println("Please share these credentials with the user and ask them to change the password.")
	return nil
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
