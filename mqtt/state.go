package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/eddielth/gadgetbridge-mqtt/transformer"
)

// ErrUnsupportedValue marks a sample whose value cannot be rendered as a
// state payload.
var ErrUnsupportedValue = errors.New("unsupported value type")

// StatePublisher publishes sample values to their state topics.
type StatePublisher struct {
	publisher Publisher
	topics    Topics
	retain    bool
}

// NewStatePublisher creates a state publisher
func NewStatePublisher(publisher Publisher, topics Topics, retain bool) *StatePublisher {
	return &StatePublisher{
		publisher: publisher,
		topics:    topics,
		retain:    retain,
	}
}

// Publish sends the sample's value as a plain scalar payload.
func (p *StatePublisher) Publish(ctx context.Context, s transformer.Sample) error {
	payload, err := FormatValue(s.Value)
	if err != nil {
		return fmt.Errorf("sample %s: %w", s.Key(), err)
	}
	return p.publisher.Publish(ctx, p.topics.State(s.DeviceID, s.Metric), 1, p.retain, []byte(payload))
}

// FormatValue renders integers without decimals, floats in their shortest
// form and booleans as true/false.
func FormatValue(v interface{}) (string, error) {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10), nil
	case int:
		return strconv.Itoa(n), nil
	case int32:
		return strconv.FormatInt(int64(n), 10), nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32), nil
	case string:
		return n, nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		return "", fmt.Errorf("%w %T", ErrUnsupportedValue, v)
	}
}
