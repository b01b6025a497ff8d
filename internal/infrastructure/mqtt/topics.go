package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Housekeeping topics live under TopicPrefix. Translated traffic does not:
// every table entry names its own topic (category/subtopic by default).
const (
	TopicPrefix = "canbridge"

	// DefaultStateSuffix is appended to an entry topic for uplink publishes.
	DefaultStateSuffix = "state"

	// maxTopicLength is the MQTT limit on a UTF-8 encoded topic.
	maxTopicLength = 65535
)

// Topics provides builders for canbridge MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("led/config", "state")
//	// Returns: "led/config/state"
type Topics struct{}

// BridgeHealth returns the retained health topic of a bridge. The broker
// publishes the bridge's will here when the connection drops.
//
// Example: canbridge/health/canbridge-01
func (Topics) BridgeHealth(bridgeID string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, bridgeID)
}

// AllBridgeHealth matches every bridge health report.
//
// Pattern: canbridge/health/+
func (Topics) AllBridgeHealth() string {
	return TopicPrefix + "/health/+"
}

// State returns the topic a decoded frame for entryTopic is published on.
// An empty suffix publishes on the entry topic itself.
//
// Example: led/config/state
func (Topics) State(entryTopic, suffix string) string {
	if suffix == "" {
		return entryTopic
	}
	return entryTopic + "/" + suffix
}

// Command returns the wildcard that matches command subtopics of an entry.
//
// Pattern: led/config/+
func (Topics) Command(entryTopic string) string {
	return entryTopic + "/+"
}

// StateOf is the inverse of State: it strips suffix from topic and returns
// the entry topic it would belong to. ok is false when topic does not end
// in suffix or the remainder is not a category/subtopic topic. Whether that
// entry topic exists is for the caller to check.
//
// Example: StateOf("led/config/state", "state") = "led/config", true
func (Topics) StateOf(topic, suffix string) (entryTopic string, ok bool) {
	if suffix == "" {
		return "", false
	}
	entryTopic, ok = strings.CutSuffix(topic, "/"+suffix)
	if !ok || !strings.Contains(entryTopic, "/") {
		return "", false
	}
	return entryTopic, true
}

// ValidateTopic checks a publish topic: non-empty UTF-8 without wildcards
// or NUL characters.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. "+" must occupy a whole
// level; "#" must occupy the last level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
		case level != "+" && level != "#" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case len(topic) > maxTopicLength:
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	case !utf8.ValidString(topic):
		return fmt.Errorf("%w: topic is not valid UTF-8", ErrInvalidTopic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}

// Match reports whether topic matches the subscription filter, using the
// broker's rules for "+" and "#". A filter "a/#" also matches "a".
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
