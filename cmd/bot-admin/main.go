package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"digit-trading-bot/config"
	"digit-trading-bot/internal/apikeys"
	"digit-trading-bot/internal/auth"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/vault"
)

func main() {
	godotenv.Load()

	fmt.Println("========================================")
	fmt.Println(" Digit Bot Administration Tool")
	fmt.Println("========================================")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Issue admin token")
		fmt.Println("  2. Store broker token for a user")
		fmt.Println("  3. Show trading modes")
		fmt.Println("  4. Write sample config")
		fmt.Println("  5. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			issueAdminToken(reader)
		case "2":
			storeBrokerToken(reader)
		case "3":
			showModes()
		case "4":
			writeSampleConfig(reader)
		case "5":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func prompt(reader *bufio.Reader, label string) string {
	fmt.Print(label)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func issueAdminToken(reader *bufio.Reader) {
	fmt.Println("\n--- Issue Admin Token ---")

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		fmt.Println("AUTH_JWT_SECRET is not set")
		return
	}

	userID := prompt(reader, "Admin user id: ")
	if userID == "" {
		fmt.Println("User id is required")
		return
	}

	hours := 24
	if h := prompt(reader, "Validity in hours (default 24): "); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			fmt.Println("Invalid number of hours")
			return
		}
		hours = n
	}

	m := auth.NewJWTManager(secret, time.Duration(hours)*time.Hour)
	token, err := m.GenerateAccessToken(auth.UserClaims{UserID: userID, IsAdmin: true})
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("Token (valid %dh):\n%s\n", hours, token)
	fmt.Println("========================================")
}

func storeBrokerToken(reader *bufio.Reader) {
	fmt.Println("\n--- Store Broker Token ---")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return
	}
	if !cfg.DatabaseConfig.Enabled && !cfg.VaultConfig.Enabled {
		fmt.Println("Neither the database nor Vault is enabled; nothing would persist the token")
		return
	}

	userID := prompt(reader, "User id: ")
	accountType := prompt(reader, "Account type (demo/real, default demo): ")
	if accountType == "" {
		accountType = database.AccountDemo
	}
	if accountType != database.AccountDemo && accountType != database.AccountReal {
		fmt.Println("Account type must be demo or real")
		return
	}
	token := prompt(reader, "Broker API token: ")
	if userID == "" || token == "" {
		fmt.Println("User id and token are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		fmt.Printf("Failed to initialize Vault: %v\n", err)
		return
	}
	if vaultClient.IsEnabled() {
		if err := vaultClient.StoreToken(ctx, userID, vault.TokenData{Token: token, AccountType: accountType}); err != nil {
			fmt.Printf("Failed to store token in Vault: %v\n", err)
			return
		}
		fmt.Printf("Token stored in Vault for %s (%s)\n", userID, accountType)
		return
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		return
	}
	defer db.Close()

	service, err := apikeys.NewService(database.NewRepository(db), nil, cfg.BrokerConfig.EncryptionKey)
	if err != nil {
		fmt.Printf("Failed to initialize token service: %v\n", err)
		return
	}
	if err := service.SaveToken(ctx, userID, accountType, token); err != nil {
		fmt.Printf("Failed to store token: %v\n", err)
		return
	}
	fmt.Printf("Token sealed and stored for %s (%s)\n", userID, accountType)
}

func showModes() {
	fmt.Println("\n--- Trading Modes ---")
	fmt.Printf("%-12s %-12s %-12s\n", "MODE", "OPERATIONS", "DAILY TARGET")
	for _, mode := range database.Modes() {
		d, _ := database.DefaultsForMode(mode)
		ops := strconv.Itoa(d.OperationsCount)
		if d.OperationsCount == 0 {
			ops = "unlimited"
		}
		fmt.Printf("%-12s %-12s %-12d\n", mode, ops, d.DailyTarget)
	}
}

func writeSampleConfig(reader *bufio.Reader) {
	path := prompt(reader, "Output path (default config.json): ")
	if path == "" {
		path = "config.json"
	}
	if err := config.GenerateSampleConfig(path); err != nil {
		fmt.Printf("Failed to write config: %v\n", err)
		return
	}
	fmt.Printf("Sample configuration written to %s\n", path)
}
