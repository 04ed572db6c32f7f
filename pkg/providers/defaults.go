package providers

import "toolgate/pkg/types"

func str(desc string) types.ParamField {
	return types.ParamField{Type: "string", Description: desc}
}

// Defaults returns the compiled-in provider catalog. Auth config ids are
// placeholders; deployments override them via the registry YAML file.
func Defaults() []Provider {
	return []Provider{
		{
			ID:           "gmail",
			AuthConfigID: "ac_gmail_default",
			Description:  "Send and search email in the user's Gmail account",
			Category:     "communication",
			Actions: []Action{
				{
					Name:        "GMAIL_SEND_EMAIL",
					Description: "Send an email from the connected Gmail account",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"to":      str("Recipient email address"),
							"subject": str("Email subject"),
							"body":    str("Plain-text email body"),
						},
						Required: []string{"to", "subject", "body"},
					},
				},
				{
					Name:        "GMAIL_FETCH_EMAILS",
					Description: "Fetch recent emails matching a query",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"query":       str("Gmail search query"),
							"max_results": {Type: "integer", Description: "Maximum number of emails to return", Default: 10},
						},
					},
				},
			},
		},
		{
			ID:           "slack",
			AuthConfigID: "ac_slack_default",
			Description:  "Post messages and read channels in the user's Slack workspace",
			Category:     "communication",
			Actions: []Action{
				{
					Name:        "SLACK_SEND_MESSAGE",
					Description: "Post a message to a channel or user",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"channel": str("Channel name or id"),
							"text":    str("Message text"),
						},
						Required: []string{"channel", "text"},
					},
				},
				{
					Name:        "SLACK_LIST_CHANNELS",
					Description: "List channels visible to the connected user",
					Params:      types.ParamSchema{Type: "object", Properties: map[string]types.ParamField{}},
				},
			},
		},
		{
			ID:           "github",
			AuthConfigID: "ac_github_default",
			Description:  "Work with the user's GitHub repositories and issues",
			Category:     "development",
			Actions: []Action{
				{
					Name:        "GITHUB_CREATE_ISSUE",
					Description: "Open an issue in a repository",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"repo":  str("Repository in owner/name form"),
							"title": str("Issue title"),
							"body":  str("Issue body"),
						},
						Required: []string{"repo", "title"},
					},
				},
				{
					Name:        "GITHUB_LIST_REPOS",
					Description: "List repositories the connected user can access",
					Params:      types.ParamSchema{Type: "object", Properties: map[string]types.ParamField{}},
				},
			},
		},
		{
			ID:           "googlecalendar",
			AuthConfigID: "ac_googlecalendar_default",
			Description:  "Read and create events on the user's Google Calendar",
			Category:     "productivity",
			Actions: []Action{
				{
					Name:        "GOOGLECALENDAR_CREATE_EVENT",
					Description: "Create a calendar event",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"summary":    str("Event title"),
							"start_time": str("RFC 3339 start time"),
							"end_time":   str("RFC 3339 end time"),
							"attendees":  str("Comma-separated attendee emails"),
						},
						Required: []string{"summary", "start_time", "end_time"},
					},
				},
				{
					Name:        "GOOGLECALENDAR_LIST_EVENTS",
					Description: "List upcoming events",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"max_results": {Type: "integer", Description: "Maximum number of events", Default: 10},
						},
					},
				},
			},
		},
		{
			ID:           "notion",
			AuthConfigID: "ac_notion_default",
			Description:  "Create and search pages in the user's Notion workspace",
			Category:     "productivity",
			Actions: []Action{
				{
					Name:        "NOTION_CREATE_PAGE",
					Description: "Create a page under a parent page or database",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"parent_id": str("Parent page or database id"),
							"title":     str("Page title"),
							"content":   str("Page body in markdown"),
						},
						Required: []string{"parent_id", "title"},
					},
				},
			},
		},
		{
			ID:           "stripe",
			AuthConfigID: "ac_stripe_default",
			Description:  "Inspect payments and customers in the user's Stripe account",
			Category:     "finance",
			Actions: []Action{
				{
					Name:        "STRIPE_LIST_CUSTOMERS",
					Description: "List customers on the connected account",
					Params: types.ParamSchema{
						Type: "object",
						Properties: map[string]types.ParamField{
							"limit": {Type: "integer", Description: "Maximum number of customers", Default: 10},
						},
					},
				},
			},
		},
	}
}
