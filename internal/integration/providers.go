package integration

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
)

// Message is an outgoing email
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer delivers email
type Mailer interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// Notification is a message to one user on one channel
type Notification struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId"`
	Channel        string         `json:"channel"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) (deliveryID string, err error)
}

// Member is a user as listed by a workspace directory
type Member struct {
	ExternalID  string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Title       string `json:"title"`
	Active      bool   `json:"active"`
}

// Directory lists the members of a connected workspace
type Directory interface {
	ListMembers(ctx context.Context, organizationID, provider string) ([]Member, error)
}

// NewMailer returns an HTTP mailer, or a logging one when no base URL is
// configured
func NewMailer(cfg config.ProviderConfig, deps Deps) Mailer {
	if cfg.BaseURL == "" {
		return &LogMailer{logger: deps.Logger.Named("mail")}
	}
	return &httpMailer{client: newHTTPClient("mail", cfg, deps)}
}

// NewNotifier returns an HTTP notifier, or a logging one when no base URL is
// configured
func NewNotifier(cfg config.ProviderConfig, deps Deps) Notifier {
	if cfg.BaseURL == "" {
		return &LogNotifier{logger: deps.Logger.Named("notify")}
	}
	return &httpNotifier{client: newHTTPClient("notify", cfg, deps)}
}

// NewDirectory returns an HTTP directory, or an empty one when no base URL
// is configured
func NewDirectory(cfg config.ProviderConfig, deps Deps) Directory {
	if cfg.BaseURL == "" {
		return &EmptyDirectory{logger: deps.Logger.Named("directory")}
	}
	return &httpDirectory{client: newHTTPClient("directory", cfg, deps)}
}

type httpMailer struct {
	client *httpClient
}

func (m *httpMailer) Send(ctx context.Context, msg Message) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := m.client.do(ctx, "send", http.MethodPost, "/v1/messages", msg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type httpNotifier struct {
	client *httpClient
}

func (n *httpNotifier) Notify(ctx context.Context, note Notification) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := n.client.do(ctx, "notify", http.MethodPost, "/v1/notifications", note, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type httpDirectory struct {
	client *httpClient
}

// ListMembers follows the directory's cursor until the last page
func (d *httpDirectory) ListMembers(ctx context.Context, organizationID, provider string) ([]Member, error) {
	var (
		members []Member
		cursor  string
	)
	for {
		q := url.Values{}
		q.Set("provider", provider)
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		path := "/v1/organizations/" + url.PathEscape(organizationID) + "/members?" + q.Encode()

		var page struct {
			Members    []Member `json:"members"`
			NextCursor string   `json:"nextCursor"`
		}
		if err := d.client.do(ctx, "list_members", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		members = append(members, page.Members...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return members, nil
		}
		cursor = page.NextCursor
	}
}

// LogMailer logs messages instead of sending them
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.New().String()
	m.logger.Info("Email delivered to log",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return id, nil
}

// LogNotifier logs notifications instead of delivering them
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) (string, error) {
	n.logger.Info("Notification delivered to log",
		zap.String("notification_id", note.ID),
		zap.String("user_id", note.UserID),
		zap.String("channel", note.Channel),
		zap.String("title", note.Title),
	)
	return note.ID, nil
}

// EmptyDirectory reports no members
type EmptyDirectory struct {
	logger *zap.Logger
}

func (d *EmptyDirectory) ListMembers(_ context.Context, organizationID, provider string) ([]Member, error) {
	d.logger.Warn("No directory configured, nothing to sync",
		zap.String("organization_id", organizationID),
		zap.String("provider", provider),
	)
	return nil, nil
}
