package wallets

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/domain"
)

// Service orchestrates wallet operations that span several tables, most
// notably account creation with the paired brokerage account.
type Service struct {
	db     *sql.DB
	repo   *Repository
	cipher *Cipher
	log    zerolog.Logger
}

// NewService creates the wallet service.
func NewService(db *sql.DB, repo *Repository, cipher *Cipher, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		repo:   repo,
		cipher: cipher,
		log:    log.With().Str("service", "wallets").Logger(),
	}
}

// CreateWallet creates a named wallet for the user.
func (s *Service) CreateWallet(ctx context.Context, userID, name string) (*Wallet, error) {
	return s.repo.CreateWallet(ctx, userID, name)
}

// DeleteWallet removes a wallet the user owns.
func (s *Service) DeleteWallet(ctx context.Context, userID, walletID string) error {
	return s.repo.DeleteWallet(ctx, walletID, userID)
}

// WalletDetail is a wallet with its accounts and the most recent ledger
// rows per deposit account.
type WalletDetail struct {
	Wallet
	DepositAccounts    []DepositAccount                `json:"deposit_accounts"`
	BrokerageAccounts  []BrokerageAccount              `json:"brokerage_accounts"`
	RecentTransactions map[string][]AccountTransaction `json:"recent_transactions"`
}

// UserOverview is the sync/user response payload.
type UserOverview struct {
	User    *User          `json:"user"`
	Wallets []WalletDetail `json:"wallets"`
	Banks   []Bank         `json:"banks"`
}

const recentTransactionLimit = 5

// SyncUser upserts the user and assembles the full overview: wallets,
// their accounts with balances, the last few transactions per account,
// and the bank list for account forms.
func (s *Service) SyncUser(ctx context.Context, userID string) (*UserOverview, error) {
	user, err := s.repo.UpsertUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	wallets, err := s.repo.ListWalletsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	details := make([]WalletDetail, 0, len(wallets))
	for _, w := range wallets {
		deposits, err := s.repo.ListDepositAccounts(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		brokerages, err := s.repo.ListBrokerageAccounts(ctx, w.ID)
		if err != nil {
			return nil, err
		}

		recent := make(map[string][]AccountTransaction, len(deposits))
		for _, acct := range deposits {
			items, err := s.repo.RecentTransactions(ctx, acct.ID, recentTransactionLimit)
			if err != nil {
				return nil, err
			}
			if len(items) > 0 {
				recent[acct.ID] = items
			}
		}

		details = append(details, WalletDetail{
			Wallet:             w,
			DepositAccounts:    deposits,
			BrokerageAccounts:  brokerages,
			RecentTransactions: recent,
		})
	}

	banks, err := s.repo.ListBanks(ctx)
	if err != nil {
		return nil, err
	}

	return &UserOverview{User: user, Wallets: details, Banks: banks}, nil
}

// CreateAccountInput describes a deposit account to create. The account
// number is encrypted before it touches the database; the IBAN is
// reduced to a fingerprint.
type CreateAccountInput struct {
	WalletID      string
	Name          string
	AccountType   string
	Currency      string
	AccountNumber string
	IBAN          string
	BankID        *int64
}

// CreateAccountResult returns the created rows. Brokerage is non-nil
// only for brokerage-type accounts.
type CreateAccountResult struct {
	Account   *DepositAccount       `json:"account"`
	Brokerage *BrokerageAccount     `json:"brokerage_account,omitempty"`
	Link      *BrokerageDepositLink `json:"link,omitempty"`
}

// CreateAccount creates a deposit account in one transaction. For
// brokerage-type accounts it also creates the paired brokerage account
// and the currency link; any failure rolls the whole set back.
func (s *Service) CreateAccount(ctx context.Context, userID string, in CreateAccountInput) (*CreateAccountResult, error) {
	wallet, err := s.repo.GetWallet(ctx, in.WalletID, userID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("account name must not be empty")
	}
	accountType, ok := domain.ParseAccountType(in.AccountType)
	if !ok {
		return nil, domain.Validationf("unknown account type %q", in.AccountType)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, domain.Validationf("invalid currency %q", in.Currency)
	}

	encrypted, err := s.cipher.EncryptAccountNumber(strings.TrimSpace(in.AccountNumber))
	if err != nil {
		return nil, err
	}
	fingerprint := s.cipher.FingerprintIBAN(in.IBAN)

	now := domain.FormatTime(time.Now())
	result := &CreateAccountResult{
		Account: &DepositAccount{
			ID:          uuid.NewString(),
			WalletID:    wallet.ID,
			BankID:      in.BankID,
			Name:        name,
			AccountType: string(accountType),
			Currency:    currency,
			CreatedAt:   now,
		},
	}

	err = database.WithTransactionContext(ctx, s.db, func(tx *sql.Tx) error {
		dup, err := s.repo.DepositAccountNameExists(ctx, tx, wallet.ID, name)
		if err != nil {
			return err
		}
		if dup {
			return domain.Conflictf("account %q already exists in wallet", name)
		}

		taken, err := s.repo.IBANFingerprintExists(ctx, tx, fingerprint)
		if err != nil {
			return err
		}
		if taken {
			return domain.Conflictf("an account with this IBAN already exists")
		}

		if err := s.repo.CreateDepositAccountTx(ctx, tx, result.Account, encrypted, fingerprint); err != nil {
			return err
		}

		if accountType != domain.AccountBrokerage {
			return nil
		}

		dup, err = s.repo.BrokerageAccountNameExists(ctx, tx, wallet.ID, name)
		if err != nil {
			return err
		}
		if dup {
			return domain.Conflictf("brokerage account %q already exists in wallet", name)
		}

		result.Brokerage = &BrokerageAccount{
			ID:        uuid.NewString(),
			WalletID:  wallet.ID,
			BankID:    in.BankID,
			Name:      name,
			CreatedAt: now,
		}
		if err := s.repo.CreateBrokerageAccountTx(ctx, tx, result.Brokerage); err != nil {
			return err
		}

		result.Link = &BrokerageDepositLink{
			ID:                 uuid.NewString(),
			BrokerageAccountID: result.Brokerage.ID,
			DepositAccountID:   result.Account.ID,
			Currency:           currency,
		}
		return s.repo.CreateLinkTx(ctx, tx, result.Link)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("wallet_id", wallet.ID).
		Str("account_id", result.Account.ID).
		Str("type", string(accountType)).
		Msg("Account created")
	return result, nil
}
