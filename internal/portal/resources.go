package portal

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/cache"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/gateway"
	"github.com/felixgeelhaar/portalsync/internal/mutation"
	"github.com/felixgeelhaar/portalsync/internal/session"
)

// Cache keys of the resource groups.
const (
	KeyPortfolios   = "portfolios"
	KeyPortfolio    = "portfolio"
	KeyInvestments  = "investments"
	KeyInvestment   = "investment"
	KeyBankAccounts = "bankAccounts"
	KeyTransactions = "transactions"
	KeyBalance      = "balance"
)

func item(base, id string) string {
	return base + "/" + url.PathEscape(id)
}

// fetchList returns a cache fetcher for a GET of path.
func fetchList[T any](p *Portal, path string) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var out T
		err := p.gateway.Do(ctx, gateway.Request{Method: http.MethodGet, Path: path}, &out)
		return out, err
	}
}

// Portfolios lists the user's portfolios.
func (p *Portal) Portfolios(ctx context.Context) ([]api.Portfolio, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, KeyPortfolios, fetchList[[]api.Portfolio](p, p.cfg.API.Routes.Portfolios))
}

// Portfolio returns one portfolio with its investments.
func (p *Portal) Portfolio(ctx context.Context, id string) (api.Portfolio, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, cache.Key(KeyPortfolio, id),
		fetchList[api.Portfolio](p, item(p.cfg.API.Routes.Portfolios, id)))
}

// Investments lists all positions.
func (p *Portal) Investments(ctx context.Context) ([]api.Investment, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, KeyInvestments, fetchList[[]api.Investment](p, p.cfg.API.Routes.Investments))
}

// Investment returns one position.
func (p *Portal) Investment(ctx context.Context, id string) (api.Investment, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, cache.Key(KeyInvestment, id),
		fetchList[api.Investment](p, item(p.cfg.API.Routes.Investments, id)))
}

// BankAccounts lists linked bank accounts.
func (p *Portal) BankAccounts(ctx context.Context) ([]api.BankAccount, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, KeyBankAccounts, fetchList[[]api.BankAccount](p, p.cfg.API.Routes.BankAccounts))
}

// Transactions lists ledger entries.
func (p *Portal) Transactions(ctx context.Context) ([]api.Transaction, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, KeyTransactions, fetchList[[]api.Transaction](p, p.cfg.API.Routes.Transactions))
}

// Balance returns the account balance.
func (p *Portal) Balance(ctx context.Context) (api.Balance, cache.Snapshot, error) {
	return cache.Get(ctx, p.cache, KeyBalance, fetchList[api.Balance](p, p.cfg.API.Routes.Balance))
}

// Warm loads the dashboard resources concurrently. It returns the first
// failure; the other loads still populate the cache.
func (p *Portal) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { _, _, err := p.Portfolios(ctx); return err })
	g.Go(func() error { _, _, err := p.Investments(ctx); return err })
	g.Go(func() error { _, _, err := p.BankAccounts(ctx); return err })
	g.Go(func() error { _, _, err := p.Transactions(ctx); return err })
	g.Go(func() error { _, _, err := p.Balance(ctx); return err })
	return g.Wait()
}

// CreatePortfolio creates a portfolio.
func (p *Portal) CreatePortfolio(ctx context.Context, req api.PortfolioRequest) (*api.Portfolio, error) {
	var out api.Portfolio
	if err := p.Mutate(ctx, mutation.CreatePortfolio, gateway.Request{
		Method: http.MethodPost, Path: p.cfg.API.Routes.Portfolios, Body: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePortfolio renames or re-describes a portfolio.
func (p *Portal) UpdatePortfolio(ctx context.Context, id string, req api.PortfolioRequest) (*api.Portfolio, error) {
	var out api.Portfolio
	if err := p.Mutate(ctx, mutation.UpdatePortfolio, gateway.Request{
		Method: http.MethodPatch, Path: item(p.cfg.API.Routes.Portfolios, id), Body: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePortfolio deletes a portfolio.
func (p *Portal) DeletePortfolio(ctx context.Context, id string) error {
	return p.Mutate(ctx, mutation.DeletePortfolio, gateway.Request{
		Method: http.MethodDelete, Path: item(p.cfg.API.Routes.Portfolios, id),
	}, nil)
}

// BuyInvestment places a buy order.
func (p *Portal) BuyInvestment(ctx context.Context, req api.TradeRequest) (*api.Transaction, error) {
	return p.trade(ctx, mutation.BuyInvestment, "/buy", req)
}

// SellInvestment places a sell order.
func (p *Portal) SellInvestment(ctx context.Context, req api.TradeRequest) (*api.Transaction, error) {
	return p.trade(ctx, mutation.SellInvestment, "/sell", req)
}

func (p *Portal) trade(ctx context.Context, name, suffix string, req api.TradeRequest) (*api.Transaction, error) {
	if !req.Quantity.IsPositive() {
		return nil, errors.NewInvalidArgumentError("quantity must be positive").
			WithFields(map[string]string{"quantity": "must be positive"})
	}
	var out api.Transaction
	if err := p.Mutate(ctx, name, gateway.Request{
		Method: http.MethodPost, Path: p.cfg.API.Routes.Investments + suffix, Body: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDeposit funds the account.
func (p *Portal) CreateDeposit(ctx context.Context, req api.DepositRequest) (*api.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.NewInvalidArgumentError("amount must be positive").
			WithFields(map[string]string{"amount": "must be positive"})
	}
	var out api.Transaction
	if err := p.Mutate(ctx, mutation.CreateDeposit, gateway.Request{
		Method: http.MethodPost, Path: p.cfg.API.Routes.Deposits, Body: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateWithdrawal moves funds out.
func (p *Portal) CreateWithdrawal(ctx context.Context, req api.WithdrawalRequest) (*api.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.NewInvalidArgumentError("amount must be positive").
			WithFields(map[string]string{"amount": "must be positive"})
	}
	var out api.Transaction
	if err := p.Mutate(ctx, mutation.CreateWithdrawal, gateway.Request{
		Method: http.MethodPost, Path: p.cfg.API.Routes.Withdrawals, Body: req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTransaction cancels a pending transaction.
func (p *Portal) CancelTransaction(ctx context.Context, id string) error {
	return p.Mutate(ctx, mutation.CancelTransaction, gateway.Request{
		Method: http.MethodPost, Path: item(p.cfg.API.Routes.Transactions, id) + "/cancel",
	}, nil)
}

// AddBankAccount links a bank account.
func (p *Portal) AddBankAccount(ctx context.Context, account api.BankAccount) (*api.BankAccount, error) {
	var out api.BankAccount
	if err := p.Mutate(ctx, mutation.AddBankAccount, gateway.Request{
		Method: http.MethodPost, Path: p.cfg.API.Routes.BankAccounts, Body: account,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPrimaryBankAccount makes id the primary funding account.
func (p *Portal) SetPrimaryBankAccount(ctx context.Context, id string) error {
	return p.Mutate(ctx, mutation.SetPrimaryBankAccount, gateway.Request{
		Method: http.MethodPatch, Path: item(p.cfg.API.Routes.BankAccounts, id) + "/primary",
	}, nil)
}

// DeleteBankAccount unlinks a bank account.
func (p *Portal) DeleteBankAccount(ctx context.Context, id string) error {
	return p.Mutate(ctx, mutation.DeleteBankAccount, gateway.Request{
		Method: http.MethodDelete, Path: item(p.cfg.API.Routes.BankAccounts, id),
	}, nil)
}

// UpdateProfile saves profile changes on the server and then merges them
// into the local session.
func (p *Portal) UpdateProfile(ctx context.Context, patch session.Patch) (session.Profile, error) {
	body := map[string]string{}
	for field, v := range map[string]*string{
		"email":     patch.Email,
		"firstName": patch.FirstName,
		"lastName":  patch.LastName,
		"phone":     patch.Phone,
		"avatarUrl": patch.AvatarURL,
	} {
		if v != nil {
			body[field] = *v
		}
	}

	if err := p.Mutate(ctx, mutation.UpdateProfile, gateway.Request{
		Method: http.MethodPatch, Path: p.cfg.API.Routes.Profile, Body: body,
	}, nil); err != nil {
		return session.Profile{}, err
	}
	return p.sessions.UpdateUser(ctx, patch)
}
