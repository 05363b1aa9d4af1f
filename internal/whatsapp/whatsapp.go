// Package whatsapp wraps the Whatsmeow client, an alternative transport for reaching
// care recipients who prefer WhatsApp over SMS.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	appstore "github.com/BTreeMap/CareNudge/internal/store"
)

const (
	// DefaultSQLitePath is the session database used when no DSN is configured.
	DefaultSQLitePath = "/var/lib/carenudge/whatsmeow.db"
	// JIDSuffix is the server part of a personal WhatsApp account JID.
	JIDSuffix = "s.whatsapp.net"
)

var (
	ErrNotConnected   = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Sender sends WhatsApp messages (production client or mock).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database
	QRPath      string // file that receives the login code; stdout when empty
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is the paired WhatsApp account reminders are sent from.
type Client struct {
	waClient *whatsmeow.Client
}

// DriverFor returns the database/sql driver name for a whatsmeow DSN.
func DriverFor(dsn string) string {
	if appstore.DetectDSNType(dsn) == appstore.DriverPostgres {
		return appstore.DriverPostgres
	}
	return appstore.DriverSQLite
}

// NewClient opens the session store and connects, pairing first when the store holds
// no device yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}

	ctx := context.Background()
	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	c := &Client{waClient: whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))}
	if device.ID == nil {
		err = c.pair(ctx, cfg)
	} else {
		err = c.waClient.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to whatsapp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "paired", device.ID != nil)
	return c, nil
}

func openDevice(ctx context.Context, dsn string) (*store.Device, error) {
	driver := DriverFor(dsn)
	if driver == appstore.DriverSQLite && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsapp.openDevice: session database lacks _foreign_keys=on", "dsn", dsn)
	}
	container, err := sqlstore.New(driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	return device, nil
}

// pair connects and prints each login code until the phone scans one.
func (c *Client) pair(ctx context.Context, cfg Opts) error {
	slog.Info("Client.pair: no paired device, waiting for login code scan")
	codes, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		return err
	}
	if err := c.waClient.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create login code file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range codes {
		switch {
		case evt.Event != "code":
			slog.Info("Client.pair: login event", "event", evt.Event)
		case cfg.NumericCode:
			fmt.Fprintln(out, evt.Code)
		default:
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// JIDFor converts a canonical E.164 number into a WhatsApp user JID.
func JIDFor(to string) types.JID {
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
}

func validateOutgoing(to, body string) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	return nil
}

// SendMessage sends a text message and returns the WhatsApp message ID.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", ErrNotConnected
	}
	if err := validateOutgoing(to, body); err != nil {
		return "", err
	}
	resp, err := c.waClient.SendMessage(ctx, JIDFor(to), &waE2E.Message{Conversation: &body})
	if err != nil {
		return "", fmt.Errorf("send whatsapp message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "id", resp.ID, "length", len(body))
	return string(resp.ID), nil
}

// GetClient exposes the whatsmeow client so the messaging layer can subscribe to events.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu   sync.Mutex
	Sent []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage validates like the real client and returns a sequential message ID.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := validateOutgoing(to, body); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, to)
	return fmt.Sprintf("mock-wa-%d", len(m.Sent)), nil
}
