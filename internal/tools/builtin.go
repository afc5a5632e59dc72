package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultRegistry holds the built-in executors for the seeded server tools.
var DefaultRegistry = Builtin()

// Builtin returns a registry with the demo executors bound.
func Builtin() *Registry {
	r := NewRegistry()
	for name, exec := range map[string]Executor{
		"weather.query":     weatherQuery,
		"calendar.lookup":   calendarLookup,
		"payments.transfer": paymentsTransfer,
		"email.send":        emailSend,
		"dangerous.command": disabled,
	} {
		if err := r.Add(name, exec); err != nil {
			panic(err)
		}
	}
	return r
}

func weatherQuery(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		City string `json:"city"`
	}
	_ = json.Unmarshal(args, &in)
	if in.City == "" {
		in.City = "unknown"
	}
	return json.Marshal(map[string]any{"city": in.City, "weather": "Sunny", "temperature": 25})
}

func calendarLookup(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Date string `json:"date"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Date == "" {
		in.Date = time.Now().UTC().Format(time.DateOnly)
	}
	return json.Marshal(map[string]any{"date": in.Date, "free_slots": []string{"09:00", "14:00", "16:30"}})
}

func paymentsTransfer(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Amount float64 `json:"amount"`
		To     string  `json:"to"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid transfer arguments: %w", err)
	}
	if in.Amount <= 0 || in.To == "" {
		return nil, errors.New("transfer needs a positive amount and a recipient")
	}
	return json.Marshal(map[string]any{
		"status":         "completed",
		"amount":         in.Amount,
		"to":             in.To,
		"transaction_id": "tx_" + uuid.NewString()[:8],
	})
}

func emailSend(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		To string `json:"to"`
	}
	_ = json.Unmarshal(args, &in)
	return json.Marshal(map[string]any{"status": "queued", "to": in.To})
}

func disabled(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("tool execution disabled")
}
