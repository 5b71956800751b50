package kafka

import (
	"os"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const groupPrefix = "ed-graphql"

// processGroupID names a consumer group owned by this process alone.
func processGroupID() string {
	parts := []string{groupPrefix}
	if host, err := os.Hostname(); err == nil && host != "" {
		parts = append(parts, host)
	}
	parts = append(parts, uuid.NewString()[:8])
	return strings.Join(parts, "-")
}

// sanitizeTopic maps a broker channel name onto a Kafka-safe topic:
// ':' and '/' become '-' and letters are lowercased.
func sanitizeTopic(topic string) string {
	var b strings.Builder
	b.Grow(len(topic))
	for _, r := range topic {
		switch r {
		case '/', ':':
			b.WriteByte('-')
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}

	return b.String()
}

// sanitizeGroupID keeps only Kafka-safe characters and compresses whitespace
func sanitizeGroupID(s string) string {
	b := strings.Builder{}
	b.Grow(len(s))
	lastDash := false
	for _, r := range s {
		if r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		// normalize others to single dash
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	res := strings.Trim(b.String(), "-")
	if res == "" {
		return "consumer"
	}
	if len(res) > 255 {
		return res[:255]
	}
	return res
}

func trace(message string, args ...interface{}) {
	logrus.StandardLogger().Tracef("[KAFKA] "+message, args...)
}
