// Package diagnostics turns the page a failed automation run stopped on
// into an error report an operator can read without a browser.
package diagnostics

import (
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
)

const (
	// DefaultSnapshotLimit caps the stored markdown snapshot in bytes
	DefaultSnapshotLimit = 16 * 1024
	maxVisibleActions    = 50
	truncatedSuffix      = "\n\n[snapshot truncated]"
)

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// PageSnapshot is the readable form of a captured page
type PageSnapshot struct {
	Title          string
	Markdown       string
	VisibleActions []string
}

// Service builds page snapshots and error reports
type Service struct {
	limit  int
	logger arbor.ILogger
}

// NewService creates a diagnostics service. limit <= 0 uses DefaultSnapshotLimit.
func NewService(limit int, logger arbor.ILogger) *Service {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	return &Service{limit: limit, logger: logger}
}

// Snapshot extracts the title, clickable labels and a markdown rendering
// of html. Scripts and styles are dropped before conversion.
func (s *Service) Snapshot(html string, pageURL string) PageSnapshot {
	var snap PageSnapshot
	if strings.TrimSpace(html) == "" {
		return snap
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse page HTML, using stripped text")
		snap.Markdown = s.truncate(stripHTMLTags(html))
		return snap
	}

	snap.Title = strings.TrimSpace(doc.Find("title").First().Text())
	snap.VisibleActions = visibleActions(doc)

	doc.Find("script, style, noscript, svg, template").Remove()
	body, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		body, _ = doc.Html()
	}

	converter := md.NewConverter(pageURL, true, nil)
	converted, err := converter.ConvertString(body)
	if err != nil || strings.TrimSpace(converted) == "" {
		if err != nil {
			s.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, using fallback")
		}
		converted = stripHTMLTags(body)
	}

	snap.Markdown = s.truncate(strings.TrimSpace(converted))
	return snap
}

// visibleActions lists the distinct labels of buttons and links, skipping
// elements hidden with inline styles or aria-hidden
func visibleActions(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var labels []string

	doc.Find("button, a, [role='button'], [role='link'], input[type='submit'], input[type='button']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if hidden(sel) {
			return true
		}

		label := strings.TrimSpace(spaceRe.ReplaceAllString(sel.Text(), " "))
		if label == "" {
			label, _ = sel.Attr("aria-label")
		}
		if label == "" {
			label, _ = sel.Attr("value")
		}
		label = strings.TrimSpace(label)
		if label == "" || seen[label] {
			return true
		}

		seen[label] = true
		labels = append(labels, label)
		return len(labels) < maxVisibleActions
	})
	return labels
}

func hidden(sel *goquery.Selection) bool {
	for node := sel; node.Length() > 0; node = node.Parent() {
		if v, ok := node.Attr("aria-hidden"); ok && v == "true" {
			return true
		}
		if _, ok := node.Attr("hidden"); ok {
			return true
		}
		style, _ := node.Attr("style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func (s *Service) truncate(text string) string {
	if len(text) <= s.limit {
		return text
	}
	cut := s.limit
	// Keep the cut on a rune boundary
	for cut > 0 && !utf8RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncatedSuffix
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// stripHTMLTags removes tags for pages the converter cannot handle
func stripHTMLTags(html string) string {
	stripped := tagRe.ReplaceAllString(html, "")
	cleaned := spaceRe.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}

// BuildReport assembles the error report for a task that reached its
// attempt cap or hit a halting failure
func (s *Service) BuildReport(task *models.InvitationTask, outcome models.Outcome) *models.ErrorReport {
	snap := s.Snapshot(outcome.PageHTML, outcome.PageURL)

	report := &models.ErrorReport{
		ID:             common.NewReportID(),
		MessageID:      task.MessageID,
		Kind:           outcome.Kind,
		Reason:         outcome.Reason,
		StepIndex:      outcome.StepIndex,
		StepName:       outcome.StepName,
		Attempts:       task.AttemptCount,
		PageURL:        outcome.PageURL,
		PageTitle:      snap.Title,
		Snapshot:       snap.Markdown,
		VisibleActions: snap.VisibleActions,
		CreatedAt:      time.Now().UTC(),
	}
	if report.Kind == "" {
		report.Kind = models.KindUnexpected
	}

	s.logger.Debug().
		Str("report_id", report.ID).
		Str("message_id", report.MessageID).
		Str("kind", string(report.Kind)).
		Int("snapshot_length", len(report.Snapshot)).
		Int("visible_actions", len(report.VisibleActions)).
		Msg("Built error report")

	return report
}
