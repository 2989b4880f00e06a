package stock

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type createEntryRequest struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"required,gt=0"`
	Quantity    *int64 `json:"quantity" validate:"required,gte=0"`
	Reason      string `json:"reason" validate:"max=255"`
}

type deleteEntryRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type adjustmentRequest struct {
	ProductID   int64  `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"required,gt=0"`
	Delta       int64  `json:"delta" validate:"required"`
	Reason      string `json:"reason" validate:"required,max=255"`
}

type transferRequest struct {
	ProductID       int64  `json:"product_id" validate:"required,gt=0"`
	FromWarehouseID int64  `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseID   int64  `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	Reason          string `json:"reason" validate:"required,max=255"`
}

type orderActionRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type refundRequest struct {
	PaymentConfirmed *bool  `json:"payment_confirmed" validate:"required"`
	Reason           string `json:"reason" validate:"max=255"`
}

type availableResponse struct {
	ProductID int64 `json:"product_id"`
	Available int64 `json:"available"`
}

type pageResponse struct {
	Items      []Entry           `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors flattens validator errors into json field -> rule.
func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fe.Field()] = rule
	}
	return out
}
