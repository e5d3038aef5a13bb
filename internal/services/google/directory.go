package google

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ternarybob/handover/internal/models"
)

const groupListFields = "nextPageToken, groups(id, email, name, description, directMembersCount)"

// DirectoryGroups lists Workspace groups through the Admin SDK Directory API.
// The token needs models.DirectoryGroupScope, which an admin must grant.
type DirectoryGroups struct {
	svc      *admin.Service
	call     *caller
	pageSize int64
	logger   arbor.ILogger
}

// NewDirectoryService creates an Admin SDK Directory service using ts
func NewDirectoryService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*admin.Service, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	return admin.NewService(ctx, opts...)
}

// NewDirectoryGroups wraps svc with rate limiting and retries
func NewDirectoryGroups(svc *admin.Service, limiter *RateLimiter, logger arbor.ILogger) *DirectoryGroups {
	if limiter == nil {
		limiter = NewRateLimiter(ServiceDirectory)
	}
	return &DirectoryGroups{
		svc:      svc,
		call:     &caller{limiter: limiter, policy: DefaultRetryPolicy, logger: logger},
		pageSize: 200, // API maximum
		logger:   logger,
	}
}

// ListGroups returns every group of the customer, or of domain when set,
// following page tokens until exhausted. An empty customer means the
// caller's own account ("my_customer").
func (d *DirectoryGroups) ListGroups(ctx context.Context, customer string, domain string) ([]models.Group, error) {
	if customer == "" && domain == "" {
		customer = "my_customer"
	}

	var groups []models.Group
	seen := make(map[string]bool)
	pageToken := ""
	pages := 0

	for {
		var resp *admin.Groups
		err := d.call.do(ctx, "directory.groups.list", func(ctx context.Context) error {
			req := d.svc.Groups.List().
				MaxResults(d.pageSize).
				Fields(googleapi.Field(groupListFields)).
				Context(ctx)
			if domain != "" {
				req = req.Domain(domain)
			} else {
				req = req.Customer(customer)
			}
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
		pages++

		for _, g := range resp.Groups {
			if g == nil {
				continue
			}
			groups = append(groups, models.Group{
				ID:          g.Id,
				Email:       g.Email,
				Name:        g.Name,
				Description: g.Description,
				Members:     g.DirectMembersCount,
			})
		}

		if resp.NextPageToken == "" {
			break
		}
		if seen[resp.NextPageToken] {
			return nil, models.NewTaskError(models.KindUpstreamAPI, "directory.groups.list", fmt.Errorf("page token %q repeated", resp.NextPageToken))
		}
		seen[resp.NextPageToken] = true
		pageToken = resp.NextPageToken
	}

	d.logger.Debug().Int("pages", pages).Int("groups", len(groups)).Msg("Listed directory groups")
	return groups, nil
}
