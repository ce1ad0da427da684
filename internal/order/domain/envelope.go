package domain

// ResourceType is the JSON:API type of every order resource
const ResourceType = "order"

// Resource is a JSON:API resource object
type Resource[T any] struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes T      `json:"attributes"`
}

// Document wraps a single resource
type Document[T any] struct {
	Data Resource[T] `json:"data"`
}

// CollectionDocument wraps a list of resources
type CollectionDocument[T any] struct {
	Data []Resource[T] `json:"data"`
}

// NewDocument wraps one order DTO
func NewDocument(dto OrderDTO) Document[OrderDTO] {
	return Document[OrderDTO]{Data: resource(dto)}
}

// NewCollection wraps stored orders as a JSON:API collection. An empty
// slice encodes as "data": [].
func NewCollection(orders []Order) CollectionDocument[OrderDTO] {
	data := make([]Resource[OrderDTO], 0, len(orders))
	for _, o := range orders {
		data = append(data, resource(FromOrder(o)))
	}
	return CollectionDocument[OrderDTO]{Data: data}
}

func resource(dto OrderDTO) Resource[OrderDTO] {
	return Resource[OrderDTO]{Type: ResourceType, ID: dto.ID, Attributes: dto}
}
