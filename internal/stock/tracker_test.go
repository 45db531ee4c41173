package stock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ozonradar/ozon-sales-tracker/internal/models"
)

func qty(n int) *int { return &n }

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		quantity   *int
		outOfStock bool
		want       models.StockStatus
	}{
		{"explicit out of stock", qty(50), true, models.StockOutOfStock},
		{"zero quantity", qty(0), false, models.StockOutOfStock},
		{"urgency range", qty(7), false, models.StockLowStock},
		{"threshold boundary", qty(10), false, models.StockLowStock},
		{"plenty", qty(11), false, models.StockInStock},
		{"no number exposed", nil, false, models.StockUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.quantity, tt.outOfStock))
		})
	}
}
