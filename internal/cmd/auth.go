package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/session"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the portal session",
	Long: `Sign in, sign out and inspect the current session.

Tokens and the profile are kept in the configured credential store and
are refreshed automatically when they expire.

Examples:
  portal auth login --email user@example.com
  portal auth status
  portal auth logout`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long: `Sign in with email and password. Missing values are prompted for.

Examples:
  portal auth login --email user@example.com
  portal auth login --email user@example.com --password "$PORTAL_PASSWORD"`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove stored credentials",
	Long: `Sign out of the portal. Local credentials are removed even when the
server cannot be reached.`,
	RunE: runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE:  runAuthStatus,
}

func init() {
	authLoginCmd.Flags().String("email", "", "Email address")
	authLoginCmd.Flags().String("password", "", "Password (prompted when omitted)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)

	rootCmd.AddCommand(authCmd)
}

func promptCredentials(email, password *string) error {
	var fields []huh.Field
	if *email == "" {
		fields = append(fields, huh.NewInput().
			Title("Email").
			Value(email).
			Validate(func(s string) error {
				if !strings.Contains(s, "@") {
					return fmt.Errorf("enter a valid email address")
				}
				return nil
			}))
	}
	if *password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(password).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("this field is required")
				}
				return nil
			}))
	}
	if len(fields) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")

	if err := promptCredentials(&email, &password); err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	s, err := p.Login(cmd.Context(), email, password)
	if err != nil {
		return err
	}

	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), s.Profile)
	}
	st := stylesFor(cc)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.Success.Render("Signed in as"), s.Profile.DisplayName()) //nolint:errcheck
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	st := stylesFor(cc)
	if !p.Session().Current().IsAuthenticated() {
		fmt.Fprintln(cmd.OutOrStdout(), st.Muted.Render("Not signed in.")) //nolint:errcheck
		return nil
	}
	if err := p.Logout(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), st.Success.Render("Signed out.")) //nolint:errcheck
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	s := p.Session().Current()
	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), statusOf(s, time.Now()))
	}
	renderStatus(cmd.OutOrStdout(), stylesFor(cc), statusOf(s, time.Now()))
	return nil
}

// sessionStatus is the printable view of a session.
type sessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"userId,omitempty"`
	Name          string     `json:"name,omitempty"`
	Email         string     `json:"email,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Expired       bool       `json:"expired,omitempty"`
}

func statusOf(s session.Session, now time.Time) sessionStatus {
	if !s.IsAuthenticated() {
		return sessionStatus{}
	}
	st := sessionStatus{
		Authenticated: true,
		UserID:        s.UserID,
		Name:          s.Profile.DisplayName(),
		Email:         s.Profile.Email,
	}
	if exp, ok := session.TokenExpiry(s.AccessToken); ok {
		st.ExpiresAt = &exp
		st.Expired = !now.Before(exp)
	}
	return st
}

func renderStatus(w io.Writer, st Styles, s sessionStatus) {
	if !s.Authenticated {
		fmt.Fprintln(w, st.Warning.Render("Not signed in.")) //nolint:errcheck
		fmt.Fprintln(w, st.Muted.Render("Run 'portal auth login' to sign in.")) //nolint:errcheck
		return
	}

	fmt.Fprintln(w, st.Title.Render("Session")) //nolint:errcheck
	fmt.Fprintf(w, "  %s %s\n", st.Key.Render("User:"), s.Name) //nolint:errcheck
	fmt.Fprintf(w, "  %s %s\n", st.Key.Render("Email:"), s.Email) //nolint:errcheck
	if s.ExpiresAt == nil {
		return
	}
	expiry := s.ExpiresAt.Local().Format(time.RFC1123)
	if s.Expired {
		fmt.Fprintf(w, "  %s %s\n", st.Key.Render("Token:"), st.Warning.Render("expired "+expiry+", refreshed on next request")) //nolint:errcheck
		return
	}
	fmt.Fprintf(w, "  %s valid until %s\n", st.Key.Render("Token:"), expiry) //nolint:errcheck
}
