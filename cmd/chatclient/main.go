package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storefront-chat/internal/auth"
	"storefront-chat/internal/chat"
	"storefront-chat/internal/config"
	"storefront-chat/internal/connection"
	"storefront-chat/internal/models"
	"storefront-chat/internal/notify"
	"storefront-chat/internal/rabbitmq"
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for the storefront support chat",
	Long: `chatclient connects to the support gateway as a customer or an agent,
prints the conversation as it changes and sends every line typed on stdin.

Commands typed on stdin:
  /focus   mark the chat as focused (reads everything)
  /blur    mark the chat as not focused
  /read    mark all messages read
  /quit    leave`,
	RunE:         runChat,
	SilenceUsage: true,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token from JWT_SECRET",
	RunE:  runToken,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("user", "", "user id (overrides CHAT_USER_ID)")
	rootCmd.PersistentFlags().String("role", "", "customer or agent (overrides CHAT_ROLE)")
	rootCmd.Flags().String("conversation", "", "conversation id (overrides CHAT_CONVERSATION_ID)")
	rootCmd.Flags().Bool("focused", false, "start with the chat focused")
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.Client.UserID = user
	}
	if role, _ := cmd.Flags().GetString("role"); role != "" {
		cfg.Client.Role = models.SenderRole(role)
		if !cfg.Client.Role.Valid() {
			return nil, fmt.Errorf("invalid role %q", role)
		}
	}
	if f := cmd.Flags().Lookup("conversation"); f != nil && f.Value.String() != "" {
		cfg.Client.ConversationID = f.Value.String()
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(cfg.Gateway.JWTSecret, 24*time.Hour)
	if err != nil {
		return err
	}
	tok, err := tokens.Issue(cfg.Client.UserID, cfg.Client.Role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	credential := cfg.Client.Token
	if credential == "" {
		if cfg.Gateway.JWTSecret == "" {
			return fmt.Errorf("set CHAT_TOKEN or JWT_SECRET")
		}
		tokens, err := auth.NewTokens(cfg.Gateway.JWTSecret, 24*time.Hour)
		if err != nil {
			return err
		}
		if credential, err = tokens.Issue(cfg.Client.UserID, cfg.Client.Role); err != nil {
			return err
		}
	}

	mailbox := notify.NewMailbox(32)
	var facility notify.Facility = mailbox
	if cfg.AMQP.URL != "" {
		publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.NotificationExchange)
		defer publisher.Close()
		if rabbitmq.PublisherMode(publisher) == rabbitmq.ModeAMQP {
			facility = notify.NewAMQPFacility(publisher, notify.DefaultRoutingKey)
		}
	}

	out := cmd.OutOrStdout()
	session := chat.New(chat.Options{
		URL:            cfg.Client.URL,
		ConversationID: cfg.Client.ConversationID,
		UserID:         cfg.Client.UserID,
		Role:           cfg.Client.Role,
		Policy:         cfg.Client.Reconnect,
		SendTimeout:    cfg.Client.SendTimeout,
		Facility:       facility,
		LinkBase:       cfg.Client.LinkBase,
		Logger:         logger,
		OnState: func(state connection.State, err error) {
			if err != nil {
				fmt.Fprintf(out, "-- %s (%v)\n", state, err)
				return
			}
			fmt.Fprintf(out, "-- %s\n", state)
		},
	})
	if focused, _ := cmd.Flags().GetBool("focused"); focused {
		session.SetFocused(true)
	}
	session.Open(credential)
	defer session.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	r := newRenderer(out, cfg.Client.UserID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Updates():
			r.render(session.Messages(), session.Unread())
		case n := <-mailbox.C():
			fmt.Fprintf(out, "[notification] %s: %s (%s)\n", n.Title, n.Body, n.Link)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(session, line); quit {
				return nil
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func handleLine(session *chat.Session, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
	case "/quit":
		return true
	case "/focus":
		session.SetFocused(true)
	case "/blur":
		session.SetFocused(false)
	case "/read":
		session.MarkAsRead()
	default:
		session.Send(line, models.KindText, nil)
	}
	return false
}

type renderer struct {
	out    io.Writer
	selfID string
	seen   map[string]models.DeliveryStatus
	unread int
}

func newRenderer(out io.Writer, selfID string) *renderer {
	return &renderer{out: out, selfID: selfID, seen: make(map[string]models.DeliveryStatus)}
}

// render prints entries that are new or whose delivery status changed. History
// reloads drop correlation ids, so entries are remembered under both ids.
func (r *renderer) render(msgs []models.Message, unread int) {
	for _, m := range msgs {
		if r.printed(m.ID, m.DeliveryStatus) || r.printed(m.CorrelationID, m.DeliveryStatus) {
			continue
		}
		for _, key := range []string{m.ID, m.CorrelationID} {
			if key != "" {
				r.seen[key] = m.DeliveryStatus
			}
		}
		who := string(m.SenderRole)
		if r.selfID != "" && m.SenderID == r.selfID {
			who = "you"
		}
		fmt.Fprintf(r.out, "%s %-8s %s%s\n", m.SentAt.Local().Format("15:04"), who, m.Content, statusSuffix(m.DeliveryStatus))
	}
	if unread != r.unread {
		r.unread = unread
		fmt.Fprintf(r.out, "-- %d unread\n", unread)
	}
}

func (r *renderer) printed(key string, status models.DeliveryStatus) bool {
	if key == "" {
		return false
	}
	prev, ok := r.seen[key]
	return ok && prev == status
}

func statusSuffix(status models.DeliveryStatus) string {
	switch status {
	case models.StatusPending:
		return " (sending)"
	case models.StatusFailed:
		return " (failed)"
	}
	return ""
}
