package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the canonical metadata carried on Kafka message headers across
// services. It mirrors the envelope so dedup and routing can happen without
// decoding the body.
type EventMeta struct {
	EventID   string
	EventType string
	TenantID  string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, "event_id"),
		EventType: HeaderValue(msg.Headers, "event_type"),
		TenantID:  HeaderValue(msg.Headers, "tenant_id"),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
