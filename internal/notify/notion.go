package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/jomei/notionapi"
)

// PageCreator is the slice of the Notion API the notifier needs.
type PageCreator interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
}

// NotionClient creates pages through the Notion SDK.
type NotionClient struct {
	client *notionapi.Client
}

// NewNotionClient creates a client with the provided integration token.
func NewNotionClient(token string) *NotionClient {
	return &NotionClient{client: notionapi.NewClient(notionapi.Token(token))}
}

// CreatePage creates a page in a database.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := n.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

// NotionNotifier records each notification as a page in an incidents database.
type NotionNotifier struct {
	pages      PageCreator
	databaseID string
}

// NewNotionNotifier creates a NotionNotifier.
func NewNotionNotifier(pages PageCreator, databaseID string) *NotionNotifier {
	return &NotionNotifier{pages: pages, databaseID: databaseID}
}

// Notify implements Notifier.
func (n *NotionNotifier) Notify(ctx context.Context, note Notification) error {
	if _, err := n.pages.CreatePage(ctx, n.databaseID, IncidentProperties(note, time.Now())); err != nil {
		return fmt.Errorf("NotionNotifier: %w", err)
	}
	return nil
}

// IncidentProperties maps a notification onto the incidents database columns.
func IncidentProperties(note Notification, at time.Time) notionapi.Properties {
	props := notionapi.Properties{
		"Run ID": notionapi.TitleProperty{
			Title: richText(note.RunID),
		},
		"Logical Date": notionapi.RichTextProperty{
			RichText: richText(note.LogicalDate),
		},
		"Status": notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(note.Status)},
		},
		"Attempt": notionapi.NumberProperty{
			Number: float64(note.Attempt),
		},
		"Reported At": notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: func() *notionapi.Date {
					d := notionapi.Date(at.UTC())
					return &d
				}(),
			},
		},
	}

	if note.FailedStep != "" {
		props["Failed Step"] = notionapi.RichTextProperty{RichText: richText(note.FailedStep)}
	}
	if note.ErrorKind != "" {
		props["Error Kind"] = notionapi.SelectProperty{Select: notionapi.Option{Name: note.ErrorKind}}
	}
	if note.ErrorDetail != "" {
		// Notion caps rich text content at 2000 characters.
		props["Error Detail"] = notionapi.RichTextProperty{RichText: richText(failure.Truncate(note.ErrorDetail, 2000))}
	}

	return props
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: s},
		},
	}
}
