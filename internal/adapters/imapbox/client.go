package imapbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// Options holds the IMAP session settings.
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	FlagTimeout        time.Duration
}

// Client implements core.MailboxClient over IMAP. Messages carrying the
// \Flagged flag are considered processed.
type Client struct {
	opts   Options
	logger *zap.Logger
	client *imapclient.Client
}

// NewClient creates a new mailbox client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.FlagTimeout <= 0 {
		opts.FlagTimeout = 5 * time.Second
	}

	return &Client{
		opts:   opts,
		logger: logger,
	}, nil
}

// Connect dials the server and authenticates. The dial and the login have
// their own timeouts, distinct from the overall run deadline.
func (c *Client) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))

	var client *imapclient.Client
	err := await(ctx, c.opts.ConnectTimeout, func() error {
		var dialErr error
		if c.opts.UseTLS {
			options := &imapclient.Options{
				TLSConfig: &tls.Config{
					ServerName:         c.opts.Host,
					InsecureSkipVerify: c.opts.InsecureSkipVerify,
				},
			}
			client, dialErr = imapclient.DialTLS(addr, options)
		} else {
			client, dialErr = imapclient.DialStartTLS(addr, nil)
		}
		return dialErr
	})
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}

	err = await(ctx, c.opts.AuthTimeout, func() error {
		return client.Login(c.opts.Username, c.opts.Password).Wait()
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login failed for %s: %w", c.opts.Username, err)
	}

	c.client = client
	c.logger.Debug("IMAP connection established",
		zap.String("address", addr),
		zap.String("user", c.opts.Username),
		zap.Bool("tls", c.opts.UseTLS))
	return nil
}

// SelectMailbox opens the mailbox read-write so flags can be set.
func (c *Client) SelectMailbox(ctx context.Context, name string) error {
	if c.client == nil {
		return fmt.Errorf("imap client not connected")
	}
	if _, err := c.client.Select(name, nil).Wait(); err != nil {
		return fmt.Errorf("selecting mailbox %s: %w", name, err)
	}
	return nil
}

// SearchUnprocessed returns the UIDs of messages without the processed flag.
func (c *Client) SearchUnprocessed(ctx context.Context) ([]uint32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap client not connected")
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagFlagged},
	}
	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	imapUIDs := searchData.AllUIDs()
	uids := make([]uint32, 0, len(imapUIDs))
	for _, uid := range imapUIDs {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// FetchBatch fetches full bodies plus attributes for the given UIDs.
// A message that fails to fetch or parse is logged and skipped; it does not
// abort the batch.
func (c *Client) FetchBatch(ctx context.Context, uids []uint32) ([]*core.InboundMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap client not connected")
	}
	if len(uids) == 0 {
		return nil, nil
	}

	imapUIDs := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		imapUIDs = append(imapUIDs, imap.UID(uid))
	}
	uidSet := imap.UIDSetNum(imapUIDs...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var messages []*core.InboundMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			c.logger.Warn("Failed to collect message, skipping", zap.Error(err))
			continue
		}

		parsed, err := messageFromBuffer(buf, bodySection)
		if err != nil {
			c.logger.Warn("Failed to parse message, skipping",
				zap.Uint32("uid", uint32(buf.UID)), zap.Error(err))
			continue
		}
		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}
	return messages, nil
}

// MarkProcessed sets the persistent processed flag. Setting an already-set
// flag is a no-op server-side.
func (c *Client) MarkProcessed(ctx context.Context, uid uint32) error {
	if c.client == nil {
		return fmt.Errorf("imap client not connected")
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	err := await(ctx, c.opts.FlagTimeout, func() error {
		return c.client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagFlagged},
		}, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("flagging message %d: %w", uid, err)
	}
	return nil
}

// Disconnect logs out and closes the connection.
func (c *Client) Disconnect() error {
	if c.client == nil {
		return nil
	}
	client := c.client
	c.client = nil

	if err := client.Logout().Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("imap logout: %w", err)
	}
	return client.Close()
}

// await runs op with its own deadline. The IMAP command API has no context
// support, so a timed-out op is abandoned to finish in the background.
func await(ctx context.Context, timeout time.Duration, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
