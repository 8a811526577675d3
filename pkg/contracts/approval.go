package contracts

// Decision is an operator's answer to a proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDecline Decision = "decline"
)

// ApprovalEvent is an operator decision delivered by the approval channel.
// AckToken identifies the delivery so it can be acknowledged once.
type ApprovalEvent struct {
	ExecutionID string   `json:"execution_id"`
	Decision    Decision `json:"decision"`
	AckToken    string   `json:"ack_token"`
	ChatID      string   `json:"chat_id,omitempty"`
	MessageID   int64    `json:"message_id,omitempty"`
}
