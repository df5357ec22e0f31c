package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/opsconductor/opsconductor/pkg/models"
)

const maxBlockTextLength = 2900

var stateEmoji = map[models.RequestState]string{
	models.StateDone:      ":white_check_mark:",
	models.StateFailed:    ":x:",
	models.StateCancelled: ":no_entry_sign:",
}

var stateLabel = map[models.RequestState]string{
	models.StateDone:      "Request Complete",
	models.StateFailed:    "Request Failed",
	models.StateCancelled: "Request Cancelled",
}

func requestURL(requestID, dashboardURL string) string {
	return fmt.Sprintf("%s/requests/%s", dashboardURL, requestID)
}

// BuildApprovalMessage creates Block Kit blocks asking an operator to
// approve a gated plan. requestText must already be masked.
func BuildApprovalMessage(requestID, requestText string, decision *models.Decision, resumeToken, dashboardURL string) []goslack.Block {
	header := fmt.Sprintf(":lock: *Approval Required* (risk: %s)", decision.Risk)
	body := fmt.Sprintf("> %s\n\nIntent: `%s/%s`\nResume token:\n```%s```",
		truncateForSlack(requestText),
		decision.Intent.Category, decision.Intent.Action,
		resumeToken)

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "Review in Dashboard", false, false))
	btn.URL = requestURL(requestID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

// BuildFinishedMessage creates Block Kit blocks for a terminal state
// notification. summary must already be masked.
func BuildFinishedMessage(requestID string, state models.RequestState, summary, dashboardURL string) []goslack.Block {
	emoji := stateEmoji[state]
	if emoji == "" {
		emoji = ":question:"
	}
	label := stateLabel[state]
	if label == "" {
		label = "Request " + string(state)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("%s *%s*", emoji, label), false, false),
			nil, nil,
		),
	}
	if summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(summary), false, false),
			nil, nil,
		))
	}

	buttonText := "View Response"
	if state != models.StateDone {
		buttonText = "View Details"
	}
	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = requestURL(requestID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... truncated; view the full request in the dashboard_"
}
