package service

import "github.com/McodesM/Trade-Approval-Process/services/trades/internal/workflow"

// DefaultNote is the audit note recorded when the caller supplies none.
func DefaultNote(action workflow.Action, from workflow.State) string {
	switch action {
	case workflow.ActionSubmit:
		return "Trade details provided"
	case workflow.ActionApprove:
		if from == workflow.StateNeedsReapproval {
			return "Requester reapproves updated trade details"
		}
		return "Approver confirms trade"
	case workflow.ActionCancel:
		return "Trade cancelled"
	case workflow.ActionUpdate:
		return "Trade details updated"
	case workflow.ActionSendToExecute:
		return "Trade sent to execution"
	case workflow.ActionBook:
		return "Trade booked with strike"
	default:
		return string(action)
	}
}
