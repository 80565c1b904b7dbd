package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/api"
	"github.com/felixgeelhaar/portalsync/internal/errors"
)

var investCmd = &cobra.Command{
	Use:   "invest",
	Short: "Buy and sell investment products",
	Long: `Place buy and sell orders. Cached portfolios, positions, balances and
transactions are refreshed once the server confirms the order.

Examples:
  portal invest buy p-123 VTI 10
  portal invest sell p-123 VTI 2.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var investBuyCmd = &cobra.Command{
	Use:   "buy <portfolio-id> <symbol> <quantity>",
	Short: "Buy units of a product",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrade(cmd, args, true)
	},
}

var investSellCmd = &cobra.Command{
	Use:   "sell <portfolio-id> <symbol> <quantity>",
	Short: "Sell units of a product",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrade(cmd, args, false)
	},
}

func init() {
	investCmd.AddCommand(investBuyCmd)
	investCmd.AddCommand(investSellCmd)

	rootCmd.AddCommand(investCmd)
}

// parseTrade builds a trade request from positional arguments.
func parseTrade(args []string) (api.TradeRequest, error) {
	qty, err := decimal.NewFromString(args[2])
	if err != nil {
		return api.TradeRequest{}, errors.NewInvalidArgumentError(fmt.Sprintf("invalid quantity %q", args[2])).
			WithFields(map[string]string{"quantity": "must be a number"})
	}
	return api.TradeRequest{PortfolioID: args[0], Symbol: args[1], Quantity: qty}, nil
}

func runTrade(cmd *cobra.Command, args []string, buy bool) error {
	req, err := parseTrade(args)
	if err != nil {
		return err
	}

	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	var tx *api.Transaction
	if buy {
		tx, err = p.BuyInvestment(cmd.Context(), req)
	} else {
		tx, err = p.SellInvestment(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), tx)
	}
	st := stylesFor(cc)
	verb := "Sold"
	if buy {
		verb = "Bought"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s, %s)\n", //nolint:errcheck
		st.Success.Render(verb), req.Quantity.String(), req.Symbol, tx.Status, tx.ID)
	return nil
}
