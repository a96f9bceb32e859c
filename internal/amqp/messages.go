package amqp

import (
	"encoding/json"
	"fmt"

	"finsights/internal/core"
)

// EncodeCohortEvent validates ev and renders it as a message body.
func EncodeCohortEvent(ev core.CohortEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeCohortEvent parses a message body. Bodies that are not valid JSON
// or fail validation return core.ErrInvalidRecord.
func DecodeCohortEvent(body []byte) (core.CohortEvent, error) {
	var ev core.CohortEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return core.CohortEvent{}, fmt.Errorf("%w: decode cohort event: %v", core.ErrInvalidRecord, err)
	}
	if err := ev.Validate(); err != nil {
		return core.CohortEvent{}, err
	}
	return ev, nil
}
