package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"digit-trading-bot/config"
	"digit-trading-bot/internal/database"
)

type SessionStats struct {
	SessionKey    string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	Cancelled     int
	Recovery      int
	TotalProfit   float64
	TotalStaked   float64
	WinRate       float64
}

func main() {
	exe, _ := os.Executable()
	exeDir := filepath.Dir(exe)

	godotenv.Load()
	godotenv.Load(filepath.Join(exeDir, ".env"))
	godotenv.Load(filepath.Join(exeDir, "..", "..", ".env"))

	if len(os.Args) < 2 {
		fmt.Println("usage: analyze_operations <user-id> [limit]")
		os.Exit(1)
	}
	userID := os.Args[1]
	limit := 500
	if len(os.Args) > 2 {
		fmt.Sscanf(os.Args[2], "%d", &limit)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.DatabaseConfig.Enabled {
		fmt.Println("DB_ENABLED=true is required; the in-memory store has no history")
		os.Exit(1)
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
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := repo.GetLatestSessionForUser(ctx, userID)
	if err != nil {
		fmt.Printf("No session found for %s: %v\n", userID, err)
		os.Exit(1)
	}

	fmt.Println("================================================================")
	fmt.Printf(" OPERATION HISTORY: %s\n", userID)
	fmt.Println("================================================================")
	fmt.Printf("Session:   %s (%s, active=%v)\n", session.SessionKey, session.Mode, session.IsActive)
	fmt.Printf("Executed:  %d\n", session.ExecutedOperations)
	if !session.IsUnlimited() {
		fmt.Printf("Remaining: %d\n", session.Remaining())
	}

	today := database.TradingDay(time.Now())
	if pnl, err := repo.GetDailyPnL(ctx, userID, today); err == nil {
		fmt.Printf("\nToday:     opening %.2f, current %.2f, pnl %.2f, recovery=%v\n",
			pnl.OpeningBalance, pnl.CurrentBalance, pnl.DailyPnL, pnl.IsRecoveryActive)
	}

	ops, err := repo.ListTradeOperations(ctx, userID, limit)
	if err != nil {
		fmt.Printf("Failed to list operations: %v\n", err)
		os.Exit(1)
	}

	stats := make(map[string]*SessionStats)
	for _, op := range ops {
		s, ok := stats[op.SessionKey]
		if !ok {
			s = &SessionStats{SessionKey: op.SessionKey}
			stats[op.SessionKey] = s
		}
		s.TotalTrades++
		if op.IsRecoveryMode {
			s.Recovery++
		}
		switch op.Status {
		case database.OperationWon:
			s.WinningTrades++
		case database.OperationLost:
			s.LosingTrades++
		case database.OperationCancelled:
			s.Cancelled++
			continue
		}
		s.TotalStaked += op.Amount
		if op.Profit != nil {
			s.TotalProfit += *op.Profit
		}
	}

	var sorted []*SessionStats
	for _, s := range stats {
		settled := s.WinningTrades + s.LosingTrades
		if settled > 0 {
			s.WinRate = float64(s.WinningTrades) / float64(settled) * 100
		}
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalProfit > sorted[j].TotalProfit
	})

	fmt.Printf("\n%-40s %6s %5s %5s %5s %6s %10s %10s %7s\n",
		"SESSION", "TRADES", "WON", "LOST", "CANC", "RECOV", "STAKED", "PROFIT", "WIN%")
	var total SessionStats
	for _, s := range sorted {
		fmt.Printf("%-40s %6d %5d %5d %5d %6d %10.2f %10.2f %6.1f%%\n",
			s.SessionKey, s.TotalTrades, s.WinningTrades, s.LosingTrades, s.Cancelled, s.Recovery,
			s.TotalStaked, s.TotalProfit, s.WinRate)
		total.TotalTrades += s.TotalTrades
		total.WinningTrades += s.WinningTrades
		total.LosingTrades += s.LosingTrades
		total.TotalProfit += s.TotalProfit
		total.TotalStaked += s.TotalStaked
	}

	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("Total: %d trades, %d won, %d lost, profit %.2f on %.2f staked\n",
		total.TotalTrades, total.WinningTrades, total.LosingTrades, total.TotalProfit, total.TotalStaked)
}
