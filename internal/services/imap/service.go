// Package imap implements the mailbox over IMAP for accounts that cannot
// use the Gmail API.
package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/mailbox"
)

// gmailMessageID is Gmail's IMAP extension carrying the web UI message id
const gmailMessageID imap.FetchItem = "X-GM-MSGID"

// Mailbox implements interfaces.Mailbox over IMAP. Each call opens its own
// connection. Message ids are Gmail's hex ids on Gmail servers and UIDs
// elsewhere.
type Mailbox struct {
	config common.IMAPConfig
	gmail  bool
	tokens oauth2.TokenSource
	logger arbor.ILogger

	mu   sync.Mutex
	uids map[string]uint32 // message id -> UID, learned while listing
}

// NewMailbox creates an IMAP mailbox
func NewMailbox(config common.IMAPConfig, logger arbor.ILogger) *Mailbox {
	if config.Port == 0 {
		config.Port = 993
	}
	if config.Mailbox == "" {
		config.Mailbox = "INBOX"
	}
	return &Mailbox{
		config: config,
		gmail:  strings.HasSuffix(strings.ToLower(config.Host), "gmail.com"),
		logger: logger,
		uids:   make(map[string]uint32),
	}
}

// WithTokenSource authenticates with OAUTHBEARER using tokens when no
// password is configured
func (m *Mailbox) WithTokenSource(tokens oauth2.TokenSource) *Mailbox {
	m.tokens = tokens
	return m
}

// IsConfigured checks the minimum settings are present
func (m *Mailbox) IsConfigured() bool {
	if m.config.Host == "" || m.config.Username == "" {
		return false
	}
	return m.config.Password != "" || m.tokens != nil
}

func (m *Mailbox) login(c *client.Client) error {
	if m.config.Password != "" {
		return c.Login(m.config.Username, m.config.Password)
	}

	tok, err := m.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}
	return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: m.config.Username,
		Token:    tok.AccessToken,
		Host:     m.config.Host,
		Port:     m.config.Port,
	}))
}

// connect dials, logs in and selects the mailbox. release logs out and
// must always be called.
func (m *Mailbox) connect(ctx context.Context) (c *client.Client, release func(), err error) {
	if !m.IsConfigured() {
		return nil, nil, errors.New("IMAP not configured")
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	if m.config.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, nil, models.NewTaskError(models.KindUpstreamAPI, "imap connect", err)
	}

	// Unblock network reads when ctx ends
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	release = func() {
		stop()
		_ = c.Logout()
	}

	if err := m.login(c); err != nil {
		release()
		return nil, nil, models.NewTaskError(models.KindAuth, "imap login", err)
	}

	if _, err := c.Select(m.config.Mailbox, false); err != nil {
		release()
		return nil, nil, models.NewTaskError(models.KindUpstreamAPI, "imap select "+m.config.Mailbox, err)
	}
	return c, release, nil
}

// ListUnread returns unseen messages whose From matches the filter
func (m *Mailbox) ListUnread(ctx context.Context, filter models.MailFilter) ([]models.MessageRef, error) {
	c, release, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, models.NewTaskError(models.KindUpstreamAPI, "imap search", err)
	}
	if len(uids) == 0 {
		m.logger.Debug().Msg("No unseen messages")
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}
	if m.gmail {
		items = append(items, gmailMessageID)
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var refs []models.MessageRef
	for msg := range messages {
		if msg == nil || msg.Envelope == nil {
			continue
		}
		if len(filter.Senders) > 0 && !mailbox.MatchSender(envelopeFrom(msg.Envelope), filter.Senders) {
			continue
		}

		id := m.messageID(msg)
		m.mu.Lock()
		m.uids[id] = msg.Uid
		m.mu.Unlock()

		refs = append(refs, models.MessageRef{ID: id})
	}

	if err := <-done; err != nil {
		return nil, models.NewTaskError(models.KindUpstreamAPI, "imap fetch", err)
	}

	if filter.MaxResults > 0 && int64(len(refs)) > filter.MaxResults {
		refs = refs[:filter.MaxResults]
	}

	m.logger.Debug().Int("unseen", len(uids)).Int("matched", len(refs)).Msg("Listed unread IMAP messages")
	return refs, nil
}

func (m *Mailbox) messageID(msg *imap.Message) string {
	if m.gmail {
		if raw, ok := msg.Items[gmailMessageID]; ok {
			if n, err := strconv.ParseUint(fmt.Sprint(raw), 10, 64); err == nil {
				return strconv.FormatUint(n, 16)
			}
		}
	}
	return strconv.FormatUint(uint64(msg.Uid), 10)
}

func envelopeFrom(env *imap.Envelope) string {
	parts := make([]string, 0, len(env.From))
	for _, a := range env.From {
		if a == nil {
			continue
		}
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%q <%s>", a.PersonalName, a.Address()))
		} else {
			parts = append(parts, a.Address())
		}
	}
	return strings.Join(parts, ", ")
}

func (m *Mailbox) resolveUID(id string) (uint32, error) {
	m.mu.Lock()
	uid, ok := m.uids[id]
	m.mu.Unlock()
	if ok {
		return uid, nil
	}
	if !m.gmail {
		if n, err := strconv.ParseUint(id, 10, 32); err == nil {
			return uint32(n), nil
		}
	}
	return 0, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
}

// GetHeaders reads the message header without setting \Seen
func (m *Mailbox) GetHeaders(ctx context.Context, id string) (map[string]string, error) {
	uid, err := m.resolveUID(id)
	if err != nil {
		return nil, err
	}

	c, release, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}

	messages := make(chan *imap.Message, 1)
	if err := c.UidFetch(seqSet, []imap.FetchItem{section.FetchItem()}, messages); err != nil {
		return nil, models.NewTaskError(models.KindUpstreamAPI, "imap fetch header", err)
	}

	msg := <-messages
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("message %s has no header section", id)
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}
	defer mr.Close()

	headers := make(map[string]string)
	for _, name := range []string{"From", "Subject", "Date", "Message-ID"} {
		if v := mr.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		headers["Subject"] = subject
	}
	return headers, nil
}

// MarkRead sets the \Seen flag
func (m *Mailbox) MarkRead(ctx context.Context, id string) error {
	uid, err := m.resolveUID(id)
	if err != nil {
		return err
	}

	c, release, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := c.UidStore(seqSet, item, flags, nil); err != nil {
		return models.NewTaskError(models.KindUpstreamAPI, "imap store", err)
	}

	m.logger.Debug().Str("message_id", id).Int64("uid", int64(uid)).Msg("Marked message as read")
	return nil
}
