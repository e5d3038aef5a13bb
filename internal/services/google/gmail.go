package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ternarybob/handover/internal/models"
)

const gmailUser = "me"

// HeaderNames are the headers GetHeaders fetches
var HeaderNames = []string{"From", "Subject", "Date", "Message-ID"}

// GmailMailbox implements interfaces.Mailbox on the Gmail API
type GmailMailbox struct {
	svc    *gmail.Service
	call   *caller
	logger arbor.ILogger
}

// NewGmailService creates a Gmail API service using ts. Extra options
// override the endpoint or HTTP client.
func NewGmailService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*gmail.Service, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	return gmail.NewService(ctx, opts...)
}

// NewGmailMailbox wraps svc with rate limiting and retries
func NewGmailMailbox(svc *gmail.Service, limiter *RateLimiter, logger arbor.ILogger) *GmailMailbox {
	if limiter == nil {
		limiter = NewRateLimiter(ServiceGmail)
	}
	return &GmailMailbox{
		svc:    svc,
		call:   &caller{limiter: limiter, policy: DefaultRetryPolicy, logger: logger},
		logger: logger,
	}
}

// UnreadQuery builds the Gmail search for unread mail from any of senders
func UnreadQuery(senders []string) string {
	if len(senders) == 0 {
		return "is:unread"
	}
	terms := make([]string, 0, len(senders))
	for _, s := range senders {
		terms = append(terms, "from:"+strings.TrimSpace(s))
	}
	if len(terms) == 1 {
		return "is:unread " + terms[0]
	}
	return "is:unread {" + strings.Join(terms, " ") + "}"
}

// ListUnread returns unread messages matching filter, following pagination
// until MaxResults refs are collected
func (m *GmailMailbox) ListUnread(ctx context.Context, filter models.MailFilter) ([]models.MessageRef, error) {
	query := UnreadQuery(filter.Senders)
	limit := filter.MaxResults
	if limit <= 0 {
		limit = 100
	}

	var refs []models.MessageRef
	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := m.call.do(ctx, "gmail.messages.list", func(ctx context.Context) error {
			req := m.svc.Users.Messages.List(gmailUser).Q(query).MaxResults(limit).Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, msg := range resp.Messages {
			refs = append(refs, models.MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
			if int64(len(refs)) >= limit {
				return refs, nil
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	m.logger.Debug().Str("query", query).Int("messages", len(refs)).Msg("Listed unread messages")
	return refs, nil
}

// GetHeaders fetches the message's metadata headers
func (m *GmailMailbox) GetHeaders(ctx context.Context, id string) (map[string]string, error) {
	var msg *gmail.Message
	err := m.call.do(ctx, "gmail.messages.get", func(ctx context.Context) error {
		var err error
		msg, err = m.svc.Users.Messages.Get(gmailUser, id).
			Format("metadata").
			MetadataHeaders(HeaderNames...).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			if _, seen := headers[h.Name]; !seen {
				headers[h.Name] = h.Value
			}
		}
	}
	return headers, nil
}

// MarkRead removes the UNREAD label
func (m *GmailMailbox) MarkRead(ctx context.Context, id string) error {
	err := m.call.do(ctx, "gmail.messages.modify", func(ctx context.Context) error {
		_, err := m.svc.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", id, err)
	}
	return nil
}
