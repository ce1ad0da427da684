// Package domain holds the order model, its wire representation and the
// messages exchanged with the fulfillment system.
package domain

import (
	"errors"
	"strconv"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StatusCompleted is the status listed by GET /orders/complete
const StatusCompleted = "completed"

// ErrInvalidID is returned for identifiers that are not 24-char hex ObjectIDs
var ErrInvalidID = errors.New("invalid ObjectId format")

// Order is the stored form of an order
type Order struct {
	ID        primitive.ObjectID `bson:"_id" json:"id"`
	IDUser    string             `bson:"id_user" json:"idUser"`
	Timestamp int64              `bson:"timestamp" json:"timestamp"`
	Status    string             `bson:"status" json:"status"`
	Address   string             `bson:"address" json:"address"`
	Products  []Product          `bson:"products" json:"products"`
}

// Product is one order line. Quantity is kept as text, the way clients send it.
type Product struct {
	IDProduct string `bson:"idProduct" json:"idProduct"`
	Name      string `bson:"name" json:"name"`
	Quantity  string `bson:"quantity" json:"quantity"`
}

// OrderDTO is the HTTP representation of an order
type OrderDTO struct {
	ID        string       `json:"id"`
	IDUser    string       `json:"idUser"`
	Timestamp string       `json:"timestamp"`
	Status    string       `json:"status"`
	Address   string       `json:"address"`
	Products  []ProductDTO `json:"products"`
}

// ProductDTO mirrors Product on the wire
type ProductDTO struct {
	IDProduct string `json:"idProduct"`
	Name      string `json:"name"`
	Quantity  string `json:"quantity"`
}

// ParseID validates a hex ObjectID
func ParseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, ErrInvalidID
	}
	return oid, nil
}

// FromOrder converts a stored order to its DTO
func FromOrder(o Order) OrderDTO {
	return OrderDTO{
		ID:        o.ID.Hex(),
		IDUser:    o.IDUser,
		Timestamp: strconv.FormatInt(o.Timestamp, 10),
		Status:    o.Status,
		Address:   o.Address,
		Products: lo.Map(o.Products, func(p Product, _ int) ProductDTO {
			return ProductDTO(p)
		}),
	}
}

// ToOrder converts the DTO to a stored order. An id that is not a valid
// ObjectID is replaced by a fresh one; an unparseable timestamp becomes 0.
func (d OrderDTO) ToOrder() Order {
	id, err := primitive.ObjectIDFromHex(d.ID)
	if err != nil {
		id = primitive.NewObjectID()
	}
	ts, err := strconv.ParseInt(d.Timestamp, 10, 64)
	if err != nil {
		ts = 0
	}
	return Order{
		ID:        id,
		IDUser:    d.IDUser,
		Timestamp: ts,
		Status:    d.Status,
		Address:   d.Address,
		Products: lo.Map(d.Products, func(p ProductDTO, _ int) Product {
			return Product(p)
		}),
	}
}
