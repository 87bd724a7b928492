package observerproto

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/controller"
)

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeCommand   = "COMMAND"
	TypeTick      = "TICK"
	TypeAck       = "ACK"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the controller filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Controllers limits TICK messages to these ids; empty means all.
	Controllers []string `json:"controllers,omitempty"`
	// Every sends one TICK per Every ticks.
	Every int `json:"every,omitempty"`
}

// Client -> Server. Operator commands, applied at the start of the next tick.
type CommandMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	ID              string              `json:"id,omitempty"`
	Controller      string              `json:"controller"`
	Action          string              `json:"action"`
	Unit            *catalogs.ItemStack `json:"unit,omitempty"`
}

// Server -> Client. Reply to a COMMAND once it has been queued or refused.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	RunID           string   `json:"run_id"`
	Scenario        string   `json:"scenario,omitempty"`
	Tick            uint64   `json:"tick"`
	TickRateHz      int      `json:"tick_rate_hz"`
	Controllers     []string `json:"controllers"`
	FamiliesDigest  string   `json:"families_digest,omitempty"`
	RecipesDigest   string   `json:"recipes_digest,omitempty"`
}

// Server -> Client. Sent every tick (or every Every ticks).
type TickMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	RunID           string              `json:"run_id"`
	Tick            uint64              `json:"tick"`
	Controllers     []controller.Status `json:"controllers"`
}
