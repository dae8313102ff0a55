package events

import "fmt"

const (
	// Provider notification topics, consumed by the target registry.
	TopicTargetCreated   = "target.created"
	TopicTargetDestroyed = "target.destroyed"
)

// ClientTopic is the per-connection topic carrying everything written back to
// one external CDP client: responses, events, and the close notice.
func ClientTopic(clientID string) string {
	return fmt.Sprintf("cdp.client.%s", clientID)
}
