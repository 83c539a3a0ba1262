package recoverability

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Classifier names.
const (
	ClassifierExceptionType = "exception-type"
	ClassifierMessageType   = "message-type"
	ClassifierEndpoint      = "endpoint"
)

// Unclassified is the fallback group for attempts no rule could classify.
const Unclassified = "unclassified"

// GroupKey builds the group key a classifier produces for a value.
func GroupKey(classifier, value string) string {
	return classifier + ":" + value
}

// ClassificationRule maps a processing attempt to zero or more group keys.
// Implementations must not perform I/O.
type ClassificationRule interface {
	Name() string
	Classify(a ProcessingAttempt) ([]string, error)
}

// RuleFunc adapts a function to a ClassificationRule.
type RuleFunc struct {
	RuleName string
	Fn       func(a ProcessingAttempt) ([]string, error)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Classify(a ProcessingAttempt) ([]string, error) { return r.Fn(a) }

// ExceptionTypeRule groups by the exception type of the attempt. Attempts
// without exception metadata land in Unclassified.
type ExceptionTypeRule struct{}

func (ExceptionTypeRule) Name() string { return ClassifierExceptionType }

func (ExceptionTypeRule) Classify(a ProcessingAttempt) ([]string, error) {
	if a.Exception == nil || a.Exception.Type == "" {
		return []string{Unclassified}, nil
	}
	return []string{GroupKey(ClassifierExceptionType, a.Exception.Type)}, nil
}

// MessageTypeRule groups by the message type that failed.
type MessageTypeRule struct{}

func (MessageTypeRule) Name() string { return ClassifierMessageType }

func (MessageTypeRule) Classify(a ProcessingAttempt) ([]string, error) {
	if a.MessageType == "" {
		return nil, nil
	}
	return []string{GroupKey(ClassifierMessageType, a.MessageType)}, nil
}

// EndpointRule groups by the endpoint that failed to process the message.
type EndpointRule struct{}

func (EndpointRule) Name() string { return ClassifierEndpoint }

func (EndpointRule) Classify(a ProcessingAttempt) ([]string, error) {
	if a.ProcessingEndpoint == "" {
		return nil, nil
	}
	return []string{GroupKey(ClassifierEndpoint, a.ProcessingEndpoint)}, nil
}

// Classifier runs an ordered list of rules over an attempt.
type Classifier struct {
	rules []ClassificationRule
}

// NewClassifier creates a classifier from the given rules, applied in order.
func NewClassifier(rules ...ClassificationRule) *Classifier {
	return &Classifier{rules: rules}
}

// DefaultRuleNames are the rules enabled when configuration names none.
var DefaultRuleNames = []string{ClassifierExceptionType, ClassifierEndpoint}

// NewClassifierFromNames builds a classifier from configured rule names.
func NewClassifierFromNames(names []string) (*Classifier, error) {
	if len(names) == 0 {
		names = DefaultRuleNames
	}
	rules := make([]ClassificationRule, 0, len(names))
	for _, name := range names {
		switch name {
		case ClassifierExceptionType:
			rules = append(rules, ExceptionTypeRule{})
		case ClassifierMessageType:
			rules = append(rules, MessageTypeRule{})
		case ClassifierEndpoint:
			rules = append(rules, EndpointRule{})
		default:
			return nil, fmt.Errorf("unknown classifier %q", name)
		}
	}
	return NewClassifier(rules...), nil
}

// Classify returns the sorted, de-duplicated set of group keys for an attempt.
// A rule that errors or panics, or an empty result, adds the Unclassified group.
func (c *Classifier) Classify(a ProcessingAttempt) []string {
	seen := make(map[string]struct{})
	failed := false

	for _, rule := range c.rules {
		keys, err := classifySafely(rule, a)
		if err != nil {
			slog.Warn("classifier: rule failed",
				"rule", rule.Name(),
				"attempt_id", a.AttemptID,
				"error", err,
			)
			failed = true
			continue
		}
		for _, k := range keys {
			if k != "" {
				seen[k] = struct{}{}
			}
		}
	}

	if failed || len(seen) == 0 {
		seen[Unclassified] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func classifySafely(rule ClassificationRule, a ProcessingAttempt) (keys []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Classify(a)
}

// groupInfo derives the classifier type and display title from a group key.
func groupInfo(key string) (typ, title string) {
	if typ, title, ok := strings.Cut(key, ":"); ok {
		return typ, title
	}
	return key, key
}
