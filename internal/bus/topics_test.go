package bus

import (
	"testing"
	"time"
)

func TestEventTopics_Constants(t *testing.T) {
	for name, topic := range map[string]string{
		"TopicTaskStateChanged":  TopicTaskStateChanged,
		"TopicNotificationAdded": TopicNotificationAdded,
		"TopicChatMessage":       TopicChatMessage,
		"TopicWorkerStatus":      TopicWorkerStatus,
		"TopicDispatchLifecycle": TopicDispatchLifecycle,
		"TopicBreakerState":      TopicBreakerState,
		"TopicExtCallStatus":     TopicExtCallStatus,
	} {
		if topic == "" {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestBus_PublishScrubsSecretKeys(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicExtCallStatus, map[string]any{
		"request_id": "r1",
		"api_key":    "sk-should-not-leak",
		"auth_token": "should-not-leak",
		"nested": map[string]any{
			"password": "should-not-leak",
		},
	})

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type = %T, want map[string]any", event.Payload)
		}
		if payload["api_key"] != redacted {
			t.Fatalf("api_key = %v, want redacted", payload["api_key"])
		}
		if payload["auth_token"] != redacted {
			t.Fatalf("auth_token = %v, want redacted", payload["auth_token"])
		}
		nested, ok := payload["nested"].(map[string]any)
		if !ok {
			t.Fatalf("nested type = %T", payload["nested"])
		}
		if nested["password"] != redacted {
			t.Fatalf("nested password = %v, want redacted", nested["password"])
		}
		if payload["request_id"] != "r1" {
			t.Fatalf("request_id = %v, want preserved", payload["request_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
