// Package whatsapp wraps the Whatsmeow client for ChatRelay.
//
// Unlike a single-identity bot, ChatRelay keeps several independently
// authenticated WhatsApp identities alive at once: one shared device
// store container hands out a client per session.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/avazbek-dev/chatrelay/internal/models"
	"github.com/avazbek-dev/chatrelay/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/chatrelay/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is an interface for sending WhatsApp messages (for production and testing)
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp container.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR codes
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp container.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs login flows to write QR codes to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs login flows to print a numeric code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Container owns the shared whatsmeow device store. Each session gets
// its own device (and therefore its own authenticated identity) out of
// the same container.
type Container struct {
	container *sqlstore.Container
	cfg       Opts
}

// NewContainer initializes the shared device store.
func NewContainer(opts ...Option) (*Container, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys for SQLite.
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("Initializing WhatsApp device store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(context.Background(), dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp device store: %w", err)
	}

	return &Container{container: container, cfg: cfg}, nil
}

// Client wraps one whatsmeow client, i.e. one session identity.
type Client struct {
	waClient *whatsmeow.Client
}

// OpenClient connects the session identified by jid. An empty jid
// creates a brand-new device and runs the pairing (QR or numeric code)
// flow; a non-empty jid resumes the stored device.
func (c *Container) OpenClient(ctx context.Context, jid string) (*Client, error) {
	var device *wastore.Device
	var err error

	if jid == "" {
		device = c.container.NewDevice()
		slog.Info("New WhatsApp device created, login required")
	} else {
		parsed, perr := types.ParseJID(jid)
		if perr != nil {
			return nil, fmt.Errorf("invalid device JID %q: %w", jid, perr)
		}
		device, err = c.container.GetDevice(ctx, parsed)
		if err != nil {
			return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
		}
		if device == nil {
			return nil, fmt.Errorf("device %s not found in store", jid)
		}
		slog.Debug("WhatsApp device loaded from store", "jid", jid)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(device, clientLog)

	if waClient.Store.ID == nil {
		if err := c.login(waClient); err != nil {
			return nil, err
		}
		// The QR channel also closes on pairing timeout or a login
		// error event, in which case the device never got an identity.
		if err := ensureLoggedIn(waClient); err != nil {
			waClient.Disconnect()
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server", "jid", waClient.Store.ID.String())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("WhatsApp client connected successfully", "jid", waClient.Store.ID.String())
	return &Client{waClient: waClient}, nil
}

// ensureLoggedIn verifies the pairing flow actually produced an
// authenticated device identity.
func ensureLoggedIn(waClient *whatsmeow.Client) error {
	if waClient.Store == nil || waClient.Store.ID == nil {
		return fmt.Errorf("whatsapp login did not complete")
	}
	return nil
}

// login runs the interactive pairing flow for a fresh device.
func (c *Container) login(waClient *whatsmeow.Client) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if c.cfg.QRPath != "" {
		f, ferr := os.Create(c.cfg.QRPath)
		if ferr != nil {
			slog.Error("Failed to create QR file", "error", ferr)
			return fmt.Errorf("failed to create QR file: %w", ferr)
		}
		defer f.Close()
		writer = f
	}

	for evt := range qrChan {
		if evt.Event == "code" {
			if c.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		} else {
			slog.Debug("WhatsApp login event", "event", evt.Event)
			fmt.Println("Login event:", evt.Event)
		}
	}
	return nil
}

// SendMessage sends a WhatsApp message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyBody
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// JID returns the authenticated device JID, used to persist the
// session-name binding. Empty until login completes.
func (c *Client) JID() string {
	if c.waClient == nil || c.waClient.Store == nil || c.waClient.Store.ID == nil {
		return ""
	}
	return c.waClient.Store.ID.String()
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect releases the session's underlying connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient implements Sender but does nothing (for tests).
type MockClient struct{}

// NewMockClient creates a no-op client for tests.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage is a no-op.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}
