package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NotifyTool sends alerts to users. Sends are approval-gated: the result
// carries a pending approval handle that external surfaces resolve.
type NotifyTool struct {
	// AutoApprove skips the approval queue; used for trusted deployments.
	AutoApprove bool
}

func (t *NotifyTool) Name() string { return "notify" }

func (t *NotifyTool) RequiresApproval() bool { return !t.AutoApprove }

func (t *NotifyTool) Description() string {
	return "Send a notification or alert. Use this to alert users about important " +
		"events, request human attention for decisions, or report findings. " +
		"By default, notifications require human approval before sending."
}

func (t *NotifyTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Notification title",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Notification message body",
			},
			"priority": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "medium", "high", "critical"},
				"description": "Notification priority level",
			},
		},
		"required": []string{"title", "message"},
	}
}

func (t *NotifyTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	title := stringArg(params, "title", "")
	message := stringArg(params, "message", "")
	priority := stringArg(params, "priority", "medium")

	data := map[string]any{
		"title":    title,
		"message":  message,
		"priority": priority,
	}

	if t.RequiresApproval() && tc.Approvals != nil {
		id := tc.Approvals.Request(tc.AgentID, fmt.Sprintf("Send notification: %s", title), data)
		data["notification_id"] = id
		data["status"] = "pending_approval"
		return &Result{
			Success:             true,
			Data:                data,
			Message:             fmt.Sprintf("Notification '%s' queued for approval (ID: %s)", title, id),
			RequiresApproval:    true,
			ApprovalID:          id,
			ApprovalDescription: fmt.Sprintf("Send notification: %s", title),
		}
	}

	data["notification_id"] = uuid.NewString()[:8]
	data["status"] = "sent"
	return DataResult(data, fmt.Sprintf("Notification sent: %s", title))
}
