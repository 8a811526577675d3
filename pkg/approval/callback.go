package approval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/notify"
)

// ErrUnknownAction is returned for callback data or decisions that are
// neither approve nor decline.
var ErrUnknownAction = errors.New("approval: unknown action")

// ParseCallback decodes "<action>:<execution_id>" button data. The execution
// id may itself contain colons.
func ParseCallback(data string) (contracts.Decision, string, error) {
	action, executionID, ok := strings.Cut(data, ":")
	if !ok || executionID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownAction, data)
	}
	switch action {
	case notify.ActionFix:
		return contracts.DecisionApprove, executionID, nil
	case notify.ActionSkip:
		return contracts.DecisionDecline, executionID, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
