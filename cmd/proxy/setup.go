package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flowproxy/flow-proxy/internal/database"
	"github.com/flowproxy/flow-proxy/internal/encryption"
	"github.com/flowproxy/flow-proxy/internal/logging"
)

var (
	setupConfigPath      string
	setupManagementToken string
	setupListenAddr      string
	setupDatabasePath    string
	setupEncryptTokens   bool
	setupEncryptionKey   string
	setupInteractive     bool
	setupSkipCredential  bool
)

var osExit = os.Exit

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write the server configuration",
	Long:  `Create the .env configuration and optionally import a first session credential.`,
	Run:   runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupConfigPath, "config", ".env", "Path to the configuration file")
	setupCmd.Flags().StringVar(&setupManagementToken, "management-token", "", "Management token (leave empty to generate)")
	setupCmd.Flags().StringVar(&setupListenAddr, "addr", ":8080", "Address to listen on")
	setupCmd.Flags().StringVar(&setupDatabasePath, "db", "data/flow-proxy.db", "Path to the SQLite database")
	setupCmd.Flags().BoolVar(&setupEncryptTokens, "encrypt-tokens", false, "Generate an encryption key for tokens at rest")
	setupCmd.Flags().BoolVar(&setupInteractive, "interactive", false, "Run interactive setup")
	setupCmd.Flags().BoolVar(&setupSkipCredential, "skip-credential", false, "Skip importing a session credential")
}

func runSetup(cmd *cobra.Command, args []string) {
	if setupInteractive {
		runInteractiveSetup()
		return
	}

	if setupManagementToken == "" {
		setupManagementToken = generateSecureToken(32)
		fmt.Printf("Generated management token: %s\n", setupManagementToken)
	}
	if setupEncryptTokens {
		generateEncryptionKey()
	}
	writeSetupConfig()
}

func generateEncryptionKey() {
	key, err := encryption.GenerateKey()
	if err != nil {
		fmt.Printf("Error generating encryption key: %v\n", err)
		osExit(1)
	}
	setupEncryptionKey = key
	fmt.Println("Generated encryption key; stored tokens will be sealed at rest")
}

func runInteractiveSetup() {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("flow-proxy setup")
	fmt.Println("================")

	fmt.Printf("Configuration file path [%s]: ", setupConfigPath)
	if input := readLine(reader); input != "" {
		setupConfigPath = input
	}

	fmt.Printf("Listen address [%s]: ", setupListenAddr)
	if input := readLine(reader); input != "" {
		setupListenAddr = input
	}

	fmt.Printf("Database path [%s]: ", setupDatabasePath)
	if input := readLine(reader); input != "" {
		setupDatabasePath = input
	}

	if setupManagementToken == "" {
		fmt.Print("Management token (leave empty to generate): ")
		setupManagementToken = readLine(reader)
		if setupManagementToken == "" {
			setupManagementToken = generateSecureToken(32)
			fmt.Printf("Generated management token: %s\n", setupManagementToken)
		}
	}

	if !setupEncryptTokens {
		fmt.Print("Encrypt stored session tokens at rest? (y/N): ")
		if answer := readLine(reader); answer == "y" || answer == "Y" {
			setupEncryptTokens = true
		}
	}
	if setupEncryptTokens {
		generateEncryptionKey()
	}

	writeSetupConfig()

	if setupSkipCredential {
		return
	}
	fmt.Print("Import a session credential now? (Y/n): ")
	if answer := readLine(reader); answer == "n" || answer == "N" {
		return
	}
	importCredential()
}

// importCredential reads the session token without echo and stores it.
func importCredential() {
	fmt.Print("Session token (input hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Error reading session token: %v\n", err)
		osExit(1)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		fmt.Println("Empty session token, skipping import")
		return
	}

	db, err := database.New(database.Config{
		Driver: database.DriverSQLite,
		Path:   setupDatabasePath,
	})
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		osExit(1)
	}
	defer func() { _ = db.Close() }()

	var sealer *encryption.Sealer
	if setupEncryptionKey != "" {
		if sealer, err = encryption.NewSealer(setupEncryptionKey); err != nil {
			fmt.Printf("Error configuring token encryption: %v\n", err)
			osExit(1)
		}
	}

	id, err := database.NewCredentialStore(db, sealer).InsertCredential(context.Background(), token)
	if err != nil {
		fmt.Printf("Error storing credential: %v\n", err)
		osExit(1)
	}
	fmt.Printf("Credential %d stored (%s)\n", id, logging.RedactToken(token))
}

func writeSetupConfig() {
	dir := filepath.Dir(setupConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Error creating directory %s: %v\n", dir, err)
		osExit(1)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "MANAGEMENT_TOKEN=%s\n", setupManagementToken)
	fmt.Fprintf(&buf, "LISTEN_ADDR=%s\n", setupListenAddr)
	fmt.Fprintf(&buf, "DATABASE_PATH=%s\n", setupDatabasePath)
	if setupEncryptionKey != "" {
		fmt.Fprintf(&buf, "ENCRYPTION_KEY=%s\n", setupEncryptionKey)
	}
	if err := os.WriteFile(setupConfigPath, buf.Bytes(), 0600); err != nil {
		fmt.Printf("Error writing config file: %v\n", err)
		osExit(1)
	}
	fmt.Printf("Configuration written to %s\n", setupConfigPath)
}

func readLine(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func generateSecureToken(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate secure token")
	}
	return hex.EncodeToString(b)
}
