package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/api"
)

var portfoliosCmd = &cobra.Command{
	Use:     "portfolios",
	Aliases: []string{"portfolio"},
	Short:   "Inspect portfolios",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var portfoliosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List portfolios",
	RunE:  runPortfoliosList,
}

var portfoliosShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one portfolio and its positions",
	Args:  cobra.ExactArgs(1),
	RunE:  runPortfoliosShow,
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show available and invested funds",
	RunE:  runBalance,
}

func init() {
	portfoliosCmd.AddCommand(portfoliosListCmd)
	portfoliosCmd.AddCommand(portfoliosShowCmd)

	rootCmd.AddCommand(portfoliosCmd)
	rootCmd.AddCommand(balanceCmd)
}

func runPortfoliosList(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	portfolios, _, err := p.Portfolios(cmd.Context())
	if err != nil {
		return err
	}
	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), portfolios)
	}
	if len(portfolios) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No portfolios.") //nolint:errcheck
		return nil
	}
	return writePortfolios(cmd.OutOrStdout(), portfolios)
}

func writePortfolios(out io.Writer, portfolios []api.Portfolio) error {
	w := newTable(out)
	fmt.Fprintln(w, "ID\tNAME\tVALUE\tGAIN\tRISK") //nolint:errcheck
	for _, pf := range portfolios {
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n", //nolint:errcheck
			pf.ID, pf.Name, pf.TotalValue.StringFixed(2), pf.Currency, pf.TotalGain.StringFixed(2), pf.RiskLevel)
	}
	return w.Flush()
}

func runPortfoliosShow(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	pf, _, err := p.Portfolio(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), pf)
	}

	st := stylesFor(cc)
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s %s\n\n", st.Title.Render(pf.Name), pf.TotalValue.StringFixed(2), pf.Currency) //nolint:errcheck
	return writeInvestments(cmd.OutOrStdout(), pf.Investments)
}

func writeInvestments(out io.Writer, investments []api.Investment) error {
	w := newTable(out)
	fmt.Fprintln(w, "SYMBOL\tNAME\tQUANTITY\tPRICE\tVALUE\tGAIN") //nolint:errcheck
	for _, inv := range investments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck
			inv.Symbol, inv.Name, inv.Quantity.String(), inv.CurrentPrice.StringFixed(2),
			inv.MarketValue().StringFixed(2), inv.Gain().StringFixed(2))
	}
	return w.Flush()
}

func runBalance(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	b, _, err := p.Balance(cmd.Context())
	if err != nil {
		return err
	}
	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), b)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "Available\t%s %s\n", b.Available.StringFixed(2), b.Currency) //nolint:errcheck
	fmt.Fprintf(w, "Invested\t%s %s\n", b.Invested.StringFixed(2), b.Currency)   //nolint:errcheck
	fmt.Fprintf(w, "Pending\t%s %s\n", b.Pending.StringFixed(2), b.Currency)     //nolint:errcheck
	fmt.Fprintf(w, "Total\t%s %s\n", b.Total().StringFixed(2), b.Currency)       //nolint:errcheck
	return w.Flush()
}
