package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a portal user
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Portfolio is a named collection of investments
type Portfolio struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	TotalValue  decimal.Decimal `json:"totalValue"`
	TotalGain   decimal.Decimal `json:"totalGain"`
	Currency    string          `json:"currency"`
	Investments []Investment    `json:"investments,omitempty"`
	RiskLevel   string          `json:"riskLevel,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Investment is a position held in a portfolio
type Investment struct {
	ID           string          `json:"id"`
	PortfolioID  string          `json:"portfolioId"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Status       string          `json:"status,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// MarketValue returns quantity times current price
func (i Investment) MarketValue() decimal.Decimal {
	return i.Quantity.Mul(i.CurrentPrice)
}

// Gain returns the unrealised gain of the position
func (i Investment) Gain() decimal.Decimal {
	return i.MarketValue().Sub(i.Quantity.Mul(i.AveragePrice))
}

// BankAccount is a linked funding account
type BankAccount struct {
	ID            string          `json:"id"`
	BankName      string          `json:"bankName"`
	AccountName   string          `json:"accountName"`
	AccountNumber string          `json:"accountNumber"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	IsPrimary     bool            `json:"isPrimary"`
	IsVerified    bool            `json:"isVerified"`
}

// Transaction is a ledger entry
type Transaction struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance summarises the user's funds
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Invested  decimal.Decimal `json:"invested"`
	Pending   decimal.Decimal `json:"pending"`
	Currency  string          `json:"currency"`
}

// Total returns available plus invested funds
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Invested)
}

// DepositRequest funds the account from a bank account
type DepositRequest struct {
	BankAccountID string          `json:"bankAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// WithdrawalRequest moves funds to a bank account
type WithdrawalRequest struct {
	BankAccountID string          `json:"bankAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// TradeRequest buys or sells units of an investment product
type TradeRequest struct {
	PortfolioID string          `json:"portfolioId"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// PortfolioRequest creates or updates a portfolio
type PortfolioRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	RiskLevel   string `json:"riskLevel,omitempty"`
}
