package mutation

// Mutation names understood by the dispatcher.
const (
	CreatePortfolio          = "createPortfolio"
	UpdatePortfolio          = "updatePortfolio"
	DeletePortfolio          = "deletePortfolio"
	BuyInvestment            = "buyInvestment"
	SellInvestment           = "sellInvestment"
	AddBankAccount           = "addBankAccount"
	UpdateBankAccount        = "updateBankAccount"
	DeleteBankAccount        = "deleteBankAccount"
	SetPrimaryBankAccount    = "setPrimaryBankAccount"
	CreateDeposit            = "createDeposit"
	CreateWithdrawal         = "createWithdrawal"
	CancelTransaction        = "cancelTransaction"
	MarkNotificationRead     = "markNotificationRead"
	MarkAllNotificationsRead = "markAllNotificationsRead"
	DeleteNotification       = "deleteNotification"
	UpdateProfile            = "updateProfile"
)

// Invalidations maps each mutation to the cache key prefixes its success
// can affect. A prefix also selects detail keys below it, so "investment"
// covers "investment:42".
var Invalidations = map[string][]string{
	CreatePortfolio: {"portfolios"},
	UpdatePortfolio: {"portfolios", "portfolio"},
	DeletePortfolio: {"portfolios", "portfolio", "investments", "investment"},

	BuyInvestment:  {"investments", "investment", "portfolios", "portfolio", "bankAccounts", "transactions", "balance"},
	SellInvestment: {"investments", "investment", "portfolios", "portfolio", "bankAccounts", "transactions", "balance"},

	AddBankAccount:        {"bankAccounts"},
	UpdateBankAccount:     {"bankAccounts"},
	DeleteBankAccount:     {"bankAccounts"},
	SetPrimaryBankAccount: {"bankAccounts"},

	CreateDeposit:     {"transactions", "bankAccounts", "balance"},
	CreateWithdrawal:  {"transactions", "bankAccounts", "balance"},
	CancelTransaction: {"transactions", "bankAccounts", "balance"},

	MarkNotificationRead:     {"notifications"},
	MarkAllNotificationsRead: {"notifications"},
	DeleteNotification:       {"notifications"},

	UpdateProfile: {"profile"},
}
