package sim

import (
	"encoding/json"
	"time"
)

// EventType enum for event classification
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeTick              // Tick summary
	EventTypeAgentsSpawned
	EventTypeAgentRemoved
	EventTypeRulesChanged
	EventTypeIndexChanged
	EventTypeObstacleAdded
	EventTypeObstacleRemoved
)

// EventVersion for backwards compatibility in replay
const EventVersion uint8 = 1

// Event is one line of the event log.
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Name      string          `json:"name"`
	RunID     string          `json:"runId"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`
	TickNum   uint64          `json:"tickNum"`
	Source    string          `json:"source,omitempty"` // Rate limiting key, e.g. client address
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// String returns human-readable event type
func (t EventType) String() string {
	switch t {
	case EventTypeTick:
		return "tick"
	case EventTypeAgentsSpawned:
		return "agents_spawned"
	case EventTypeAgentRemoved:
		return "agent_removed"
	case EventTypeRulesChanged:
		return "rules_changed"
	case EventTypeIndexChanged:
		return "index_changed"
	case EventTypeObstacleAdded:
		return "obstacle_added"
	case EventTypeObstacleRemoved:
		return "obstacle_removed"
	default:
		return "unknown"
	}
}

// TickPayload summarizes one tick.
type TickPayload struct {
	Agents        int     `json:"agents"`
	Index         string  `json:"index"`
	MeanNeighbors float64 `json:"meanNeighbors"`
	TotalNs       int64   `json:"totalNs"`
}

// SpawnPayload records a batch spawn.
type SpawnPayload struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// AgentPayload identifies one agent.
type AgentPayload struct {
	ID uint64 `json:"id"`
}

// IndexPayload records an index switch.
type IndexPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ObstaclePayload identifies one obstacle.
type ObstaclePayload struct {
	ID    int    `json:"id"`
	Shape string `json:"shape,omitempty"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, tickNum uint64, source string, payload interface{}) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Name:      eventType.String(),
		Timestamp: time.Now().UnixNano(),
		TickNum:   tickNum,
		Source:    source,
		Payload:   EncodePayload(payload),
	}
}
