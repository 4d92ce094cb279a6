package nats

import (
	"strings"
)

// ToNATSSubject converts an MQTT topic to a NATS subject.
// MQTT uses / as separators and +/# as wildcards,
// NATS uses . as separators and */> as wildcards.
func ToNATSSubject(mqttTopic string) string {
	subject := strings.ReplaceAll(mqttTopic, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	return strings.ReplaceAll(subject, "/", ".")
}

// NormalizeSubject replaces characters NATS does not allow in a subject.
func NormalizeSubject(subject string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		",", "_",
		":", "_",
		"?", "_",
		"[", "_",
		"]", "_",
	)
	return replacer.Replace(subject)
}

// publishSubject maps a destination topic to the subject records go to.
// Wildcards are not meaningful when publishing and are replaced.
func publishSubject(topic string) string {
	subject := NormalizeSubject(ToNATSSubject(topic))
	return strings.NewReplacer("*", "_", ">", "_").Replace(subject)
}
