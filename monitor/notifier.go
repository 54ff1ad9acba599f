package monitor

import (
	"context"
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{
		"field":       "AlertNotifier",
		"alert_id":    a.ID,
		"rule_id":     a.RuleID,
		"level":       a.Level,
		"error_code":  a.Code,
		"category":    a.Category,
		"error_count": a.Count,
		"threshold":   a.Threshold,
	})
	if a.Level == AlertCritical {
		entry.Error(a.Title + ": " + a.Message)
	} else {
		entry.Warn(a.Title + ": " + a.Message)
	}
	return nil
}

// Publisher is satisfied by config.PubSubPublisher.
type Publisher interface {
	Publish(ctx context.Context, obj any, attrs map[string]string) (string, error)
}

// PubSubNotifier publishes alerts as JSON messages.
type PubSubNotifier struct {
	Publisher Publisher
}

func (n PubSubNotifier) Notify(ctx context.Context, a Alert) error {
	if n.Publisher == nil {
		return errors.New("alert publisher is not configured")
	}
	_, err := n.Publisher.Publish(ctx, a, map[string]string{
		"event":     "clearance.alert.opened",
		"level":     string(a.Level),
		"rule_id":   a.RuleID,
		"threshold": strconv.Itoa(a.Threshold),
	})
	return err
}
