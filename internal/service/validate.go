package service

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

func requireID(field string, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", domain.Invalid(field, "is required")
	}
	return value, nil
}

func checkMoneyScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(domain.RoundMoney(amount)) {
		return domain.Invalid(field, "must have at most two decimal places")
	}
	return nil
}

func normalizeLine(field string, req domain.LineRequest) (domain.LineRequest, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return req, domain.Invalid(field+".product_id", "is required")
	}
	if req.Qty < 1 {
		return req, domain.Invalid(field+".qty", "must be greater than zero")
	}
	if req.UnitPrice != nil {
		if !req.UnitPrice.IsPositive() {
			return req, domain.Invalid(field+".unit_price", "must be greater than zero")
		}
		if err := checkMoneyScale(field+".unit_price", *req.UnitPrice); err != nil {
			return req, err
		}
	}
	if req.Discount != nil {
		if req.Discount.IsNegative() {
			return req, domain.Invalid(field+".discount", "must not be negative")
		}
		if err := checkMoneyScale(field+".discount", *req.Discount); err != nil {
			return req, err
		}
	}
	if req.TaxAmount != nil {
		if req.TaxAmount.IsNegative() {
			return req, domain.Invalid(field+".tax_amount", "must not be negative")
		}
		if err := checkMoneyScale(field+".tax_amount", *req.TaxAmount); err != nil {
			return req, err
		}
	}
	return req, nil
}

func normalizePayment(field string, req domain.PaymentRequest) (domain.Payment, error) {
	method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(req.Method))))
	if !method.Valid() {
		return domain.Payment{}, domain.Invalid(field+".method", "must be one of CASH, CARD, MOBILE")
	}
	if !req.Amount.IsPositive() {
		return domain.Payment{}, domain.Invalid(field+".amount", "must be greater than zero")
	}
	if err := checkMoneyScale(field+".amount", req.Amount); err != nil {
		return domain.Payment{}, err
	}
	return domain.Payment{
		Method:    method,
		Amount:    req.Amount,
		Reference: strings.TrimSpace(req.Reference),
	}, nil
}

func normalizePayments(reqs []domain.PaymentRequest) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0, len(reqs))
	for i, req := range reqs {
		payment, err := normalizePayment(fmt.Sprintf("payments[%d]", i), req)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func normalizeReturnReason(reason domain.ReturnReason) (domain.ReturnReason, error) {
	reason = domain.ReturnReason(strings.ToLower(strings.TrimSpace(string(reason))))
	if !reason.Valid() {
		return "", domain.Invalid("reason", "is not a recognised return reason")
	}
	return reason, nil
}

func normalizeReturnAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Invalid("return_amount", "must be greater than zero")
	}
	return checkMoneyScale("return_amount", amount)
}
