package models

import "github.com/google/uuid"

type Product struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	StockQuantity int       `json:"stock_quantity"`
}

type ProductVariant struct {
	ID            uuid.UUID `json:"id"`
	ProductID     uuid.UUID `json:"product_id"`
	SKU           string    `json:"sku"`
	StockQuantity int       `json:"stock_quantity"`
}
