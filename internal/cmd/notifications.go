package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/channel"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/notifications"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Read and manage notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE:  runNotificationsList,
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark a notification, or all with --all, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNotificationsRead,
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsDelete,
}

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications until interrupted",
	Long: `Stream notifications as they arrive. The real-time channel is used when
configured; otherwise the server is polled.`,
	RunE: runNotificationsWatch,
}

func init() {
	notificationsReadCmd.Flags().Bool("all", false, "mark every notification as read")
	notificationsListCmd.Flags().Bool("unread", false, "only show unread notifications")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)

	rootCmd.AddCommand(notificationsCmd)
}

func requireSession(authenticated bool) error {
	if !authenticated {
		return errors.NewUnauthenticatedError("not signed in")
	}
	return nil
}

func runNotificationsList(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	svc := p.Notifications()
	if err := svc.Poll(cmd.Context()); err != nil {
		return err
	}

	items := svc.List().Items()
	if unread, _ := cmd.Flags().GetBool("unread"); unread {
		items = unreadOnly(items)
	}
	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), items)
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No notifications.") //nolint:errcheck
		return nil
	}

	st := stylesFor(cc)
	for _, n := range items {
		writeNotification(cmd.OutOrStdout(), st, n)
	}
	fmt.Fprintln(cmd.OutOrStdout(), st.Muted.Render(fmt.Sprintf("%d unread", svc.List().UnreadCount()))) //nolint:errcheck
	return nil
}

func unreadOnly(items []notifications.Notification) []notifications.Notification {
	out := items[:0]
	for _, n := range items {
		if !n.IsRead {
			out = append(out, n)
		}
	}
	return out
}

func writeNotification(w io.Writer, st Styles, n notifications.Notification) {
	marker := " "
	title := n.Title
	if !n.IsRead {
		marker = "*"
		title = st.Key.Render(title)
	}
	kind := string(n.Type)
	switch n.Type {
	case notifications.TypeError:
		kind = st.Error.Render(kind)
	case notifications.TypeWarning:
		kind = st.Warning.Render(kind)
	case notifications.TypeSuccess:
		kind = st.Success.Render(kind)
	}
	fmt.Fprintf(w, "%s %s  [%s] %s  %s\n", marker, n.ID, kind, title, st.Muted.Render(n.CreatedAt.Local().Format(time.DateTime))) //nolint:errcheck
	if n.Message != "" {
		fmt.Fprintf(w, "    %s\n", n.Message) //nolint:errcheck
	}
}

func runNotificationsRead(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		return fmt.Errorf("accepts 1 arg(s), received 0: pass a notification id or --all")
	}

	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	svc := p.Notifications()
	if err := svc.Poll(cmd.Context()); err != nil {
		return err
	}

	if all {
		err = svc.MarkAllAsRead(cmd.Context())
	} else {
		err = svc.MarkAsRead(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}

	st := stylesFor(cc)
	fmt.Fprintln(cmd.OutOrStdout(), st.Success.Render("Marked as read.")) //nolint:errcheck
	return nil
}

func runNotificationsDelete(cmd *cobra.Command, args []string) error {
	p, cc, err := openPortal(cmd.Context(), cmd, oneShot)
	if err != nil {
		return err
	}
	defer p.Close()

	svc := p.Notifications()
	if err := svc.Poll(cmd.Context()); err != nil {
		return err
	}
	if err := svc.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), stylesFor(cc).Success.Render("Deleted.")) //nolint:errcheck
	return nil
}

func runNotificationsWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, cc, err := openPortal(ctx, cmd, live)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := requireSession(p.Session().Current().IsAuthenticated()); err != nil {
		return err
	}

	st := stylesFor(cc)
	out := cmd.OutOrStdout()
	w := newWatcher(out, st, cc.JSON())

	unsubscribe := p.Notifications().List().Subscribe(w.onChange)
	defer unsubscribe()

	if ch := p.Channel(); ch != nil {
		unwatch := ch.Watch(func(s channel.State) {
			fmt.Fprintln(out, st.Muted.Render("channel "+s.String())) //nolint:errcheck
		})
		defer unwatch()
	}

	if err := p.Notifications().Poll(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// watcher prints notifications it has not printed before.
type watcher struct {
	mu   sync.Mutex
	out  io.Writer
	st   Styles
	json bool
	seen map[string]bool
}

func newWatcher(out io.Writer, st Styles, json bool) *watcher {
	return &watcher{out: out, st: st, json: json, seen: make(map[string]bool)}
}

func (w *watcher) onChange(items []notifications.Notification, _ int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		n := items[i]
		if w.seen[n.ID] {
			continue
		}
		w.seen[n.ID] = true
		if w.json {
			_ = printJSON(w.out, n)
			continue
		}
		writeNotification(w.out, w.st, n)
	}
}
