package gateway

import (
	"context"
	"encoding/json"
)

// ManualName is the registry name of the offline gateway.
const ManualName = "manual"

// Manual records offline payments. Every charge stays pending until an
// administrator completes the transaction. It cannot refund remotely.
type Manual struct{}

// NewManual returns the offline gateway.
func NewManual() *Manual { return &Manual{} }

func (*Manual) Name() string { return ManualName }

func (*Manual) Charge(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	raw, _ := json.Marshal(map[string]string{
		"gateway": ManualName,
		"note":    "awaiting manual payment",
		"key":     req.IdempotencyKey,
	})
	return &ChargeResult{Status: StatusPending, Raw: raw}, nil
}

func (*Manual) CancelRemote(context.Context, string) error { return nil }
