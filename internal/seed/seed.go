// Package seed loads issuers and funded accounts from YAML. It stands in
// for the admin and payment flows when running locally.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ksred/curvex/internal/types"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type File struct {
	Issuers  []Issuer  `yaml:"issuers"`
	Accounts []Account `yaml:"accounts"`
}

type Issuer struct {
	Ticker    string  `yaml:"ticker"`
	Name      string  `yaml:"name"`
	BasePrice float64 `yaml:"base_price"`
	Step      float64 `yaml:"step"`
	Supply    float64 `yaml:"supply"`
	Pool      float64 `yaml:"pool"`
}

type Account struct {
	UserID  string  `yaml:"user_id"`
	Balance float64 `yaml:"balance"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i, is := range f.Issuers {
		ticker := strings.ToUpper(is.Ticker)
		switch {
		case ticker == "":
			return fmt.Errorf("issuers[%d]: ticker is required", i)
		case seen[ticker]:
			return fmt.Errorf("issuers[%d]: duplicate ticker %s", i, ticker)
		case is.Step <= 0:
			return fmt.Errorf("issuers[%d]: step must be positive", i)
		case is.BasePrice < 0 || is.Supply < 0 || is.Pool < 0:
			return fmt.Errorf("issuers[%d]: base_price, supply and pool must not be negative", i)
		}
		seen[ticker] = true
	}
	for i, a := range f.Accounts {
		if a.UserID == "" {
			return fmt.Errorf("accounts[%d]: user_id is required", i)
		}
		if a.Balance < 0 {
			return fmt.Errorf("accounts[%d]: balance must not be negative", i)
		}
	}
	return nil
}

// IssuerStates converts the seed into curve rows. The stored price is
// derived from the base price and the seeded supply.
func (f *File) IssuerStates() []types.IssuerCurveState {
	states := make([]types.IssuerCurveState, 0, len(f.Issuers))
	for _, is := range f.Issuers {
		states = append(states, types.IssuerCurveState{
			Ticker:    strings.ToUpper(is.Ticker),
			Name:      is.Name,
			BasePrice: is.BasePrice,
			Step:      is.Step,
			Supply:    is.Supply,
			Price:     is.BasePrice + is.Step*is.Supply,
			Pool:      is.Pool,
		})
	}
	return states
}

func (f *File) AccountStates() []types.Account {
	accounts := make([]types.Account, 0, len(f.Accounts))
	for _, a := range f.Accounts {
		accounts = append(accounts, types.Account{UserID: a.UserID, Balance: a.Balance})
	}
	return accounts
}

// Apply upserts every issuer and account. Existing rows are overwritten.
func (f *File) Apply(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, issuer := range f.IssuerStates() {
			issuer := issuer
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "ticker"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "base_price", "step", "supply", "price", "pool", "updated_at"}),
			}).Create(&issuer).Error; err != nil {
				return fmt.Errorf("seed issuer %s: %w", issuer.Ticker, err)
			}
		}
		for _, account := range f.AccountStates() {
			account := account
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
			}).Create(&account).Error; err != nil {
				return fmt.Errorf("seed account %s: %w", account.UserID, err)
			}
		}
		return nil
	})
}
