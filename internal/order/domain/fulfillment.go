package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FulfillmentStatus is the status reported by the fulfillment system
type FulfillmentStatus string

const (
	FulfillmentOK        FulfillmentStatus = "ok"
	FulfillmentError     FulfillmentStatus = "error"
	FulfillmentPartially FulfillmentStatus = "partially"
	FulfillmentFailed    FulfillmentStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentOK, FulfillmentError, FulfillmentPartially, FulfillmentFailed:
		return true
	}
	return false
}

// FulfillmentReply is the decoded RPC reply
type FulfillmentReply struct {
	Status  FulfillmentStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// ParseFulfillmentReply decodes a reply payload. Status matching is case
// insensitive; unknown statuses are an error.
func ParseFulfillmentReply(payload string) (FulfillmentReply, error) {
	var reply FulfillmentReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return FulfillmentReply{}, fmt.Errorf("decode fulfillment reply: %w", err)
	}
	reply.Status = FulfillmentStatus(strings.ToLower(strings.TrimSpace(string(reply.Status))))
	if !reply.Status.Valid() {
		return reply, fmt.Errorf("unknown fulfillment status %q", reply.Status)
	}
	return reply, nil
}

// Notification is the RPC request sent after an order is created
type Notification struct {
	OrderID  string       `json:"orderId"`
	Products []ProductDTO `json:"products"`
}

// NewNotification builds the request for a stored order
func NewNotification(o Order) Notification {
	dto := FromOrder(o)
	return Notification{OrderID: dto.ID, Products: dto.Products}
}

// Encode renders the notification as the JSON text sent over the broker
func (n Notification) Encode() (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
