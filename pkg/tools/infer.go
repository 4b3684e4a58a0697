package tools

import (
	"strings"

	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/verification"
)

var intentTools = map[verification.Intent]string{
	verification.IntentAppointments: ToolListAppointments,
	verification.IntentCancel:       ToolCancelAppointment,
	verification.IntentReschedule:   ToolRescheduleAppointment,
	verification.IntentSchedule:     ToolGetAvailableSlots,
	verification.IntentBilling:      ToolGetOpenInvoices,
	verification.IntentEscalate:     ToolEscalate,
}

// ToolForIntent maps a deferred intent onto the tool that serves it.
func ToolForIntent(in verification.Intent) (string, bool) {
	name, ok := intentTools[in]
	return name, ok
}

// InferToolFromText recovers a tool from the raw message when the model
// decision is unusable. It returns the tool name and default arguments.
func InferToolFromText(text string) (string, map[string]any) {
	for _, w := range llm.Words(text) {
		switch {
		case strings.HasPrefix(w, "warrant"):
			return ToolGetServicePolicy, map[string]any{"topic": "warranty"}
		case strings.HasPrefix(w, "polic"):
			return ToolGetServicePolicy, map[string]any{"topic": "cancellation"}
		}
	}
	intent := verification.InferIntent(text)
	name, ok := ToolForIntent(intent)
	if !ok {
		return "", nil
	}
	args := map[string]any{}
	if name == ToolEscalate {
		args["reason"] = strings.TrimSpace(text)
	}
	return name, args
}
