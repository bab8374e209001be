package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ksred/curvex/internal/seed"
	"github.com/ksred/curvex/internal/settlement"
	"github.com/ksred/curvex/internal/types"
)

var (
	simOrders   int
	simUsers    int
	simSeedFile string
	simRandSeed int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a random order flow against an in-memory store",
	Long: `simulate seeds issuers and accounts into an in-memory store, queues a
random mix of buys and sells, settles them in submission order and prints
per-kind outcomes, settlement latency and the final curve state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file := defaultSimulationSeed(simUsers)
		if simSeedFile != "" {
			loaded, err := seed.Load(simSeedFile)
			if err != nil {
				return err
			}
			file = loaded
		}
		return simulate(cmd.Context(), cmd.OutOrStdout(), file, simOrders, rand.New(rand.NewSource(simRandSeed)))
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simOrders, "orders", 150, "number of orders to queue")
	simulateCmd.Flags().IntVar(&simUsers, "users", 5, "number of funded users when no seed file is given")
	simulateCmd.Flags().StringVar(&simSeedFile, "seed-file", "", "YAML seed of issuers and accounts")
	simulateCmd.Flags().Int64Var(&simRandSeed, "rand-seed", time.Now().UnixNano(), "random seed for the order flow")
	rootCmd.AddCommand(simulateCmd)
}

func defaultSimulationSeed(users int) *seed.File {
	file := &seed.File{
		Issuers: []seed.Issuer{
			{Ticker: "ALICE", Name: "Alice Studio", BasePrice: 1, Step: 0.01},
			{Ticker: "BOB", Name: "Bob Makes", BasePrice: 0.5, Step: 0.002},
			{Ticker: "CAROL", Name: "Carol Live", BasePrice: 2, Step: 0.05},
		},
	}
	for i := 0; i < users; i++ {
		file.Accounts = append(file.Accounts, seed.Account{UserID: fmt.Sprintf("sim-user-%d", i+1), Balance: 10000})
	}
	return file
}

// latencyStats tracks settlement durations for one order kind
type latencyStats struct {
	durations []time.Duration
	completed int
	failed    int
}

func (ls *latencyStats) calculate() (min, max, mean, p95 time.Duration) {
	if len(ls.durations) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(ls.durations, func(i, j int) bool { return ls.durations[i] < ls.durations[j] })

	var sum time.Duration
	for _, d := range ls.durations {
		sum += d
	}
	idx := int(math.Ceil(float64(len(ls.durations))*0.95)) - 1
	return ls.durations[0], ls.durations[len(ls.durations)-1], sum / time.Duration(len(ls.durations)), ls.durations[idx]
}

func simulate(ctx context.Context, out io.Writer, file *seed.File, orders int, rng *rand.Rand) error {
	if len(file.Issuers) == 0 || len(file.Accounts) == 0 {
		return fmt.Errorf("simulation needs at least one issuer and one account")
	}

	store := settlement.NewMemoryStore()
	for _, issuer := range file.IssuerStates() {
		issuer := issuer
		store.PutIssuer(&issuer)
	}
	for _, account := range file.AccountStates() {
		account := account
		store.PutAccount(&account)
	}
	coordinator := settlement.NewCoordinator(store)

	issuers := file.IssuerStates()
	accounts := file.AccountStates()
	stats := map[string]*latencyStats{types.KindBuy: {}, types.KindSell: {}}
	start := time.Now()

	for i := 0; i < orders; i++ {
		user := accounts[rng.Intn(len(accounts))].UserID
		ticker := issuers[rng.Intn(len(issuers))].Ticker

		order := &types.Order{
			OrderID:     uuid.New().String(),
			UserID:      user,
			Ticker:      ticker,
			SubmittedAt: start.Add(time.Duration(i) * time.Millisecond),
		}
		// Sell part of an existing holding about a third of the time; the
		// occasional oversized sell exercises the holdings check.
		if pos, ok := store.Position(user, ticker); ok && pos.Quantity > 0 && rng.Float64() < 0.35 {
			order.Kind = types.KindSell
			order.TokenAmount = pos.Quantity * (0.2 + rng.Float64())
		} else {
			order.Kind = types.KindBuy
			order.CurrencyAmount = math.Round((10+rng.Float64()*490)*100) / 100
		}
		if err := store.Enqueue(order); err != nil {
			return err
		}

		began := time.Now()
		result, err := coordinator.ProcessNextOrder(ctx)
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}
		s := stats[order.Kind]
		s.durations = append(s.durations, time.Since(began))
		if result.Success {
			s.completed++
		} else {
			s.failed++
		}
	}

	fmt.Fprintf(out, "Simulated %d orders in %s\n\n", orders, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "%-6s %9s %7s %10s %10s %10s %10s\n", "kind", "completed", "failed", "min", "mean", "p95", "max")
	for _, kind := range []string{types.KindBuy, types.KindSell} {
		s := stats[kind]
		min, max, mean, p95 := s.calculate()
		fmt.Fprintf(out, "%-6s %9d %7d %10s %10s %10s %10s\n", kind, s.completed, s.failed, min, mean, p95, max)
	}

	fmt.Fprintf(out, "\n%-8s %12s %12s %14s\n", "ticker", "supply", "price", "pool")
	for _, is := range issuers {
		state, _ := store.Issuer(is.Ticker)
		fmt.Fprintf(out, "%-8s %12.4f %12.6f %14.2f\n", state.Ticker, state.Supply, state.Price, state.Pool)
	}
	fmt.Fprintf(out, "\nledger entries: %d\n", len(store.Transactions()))
	return nil
}
