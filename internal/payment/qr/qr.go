package qr

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// Generator renders scannable payment instructions for wallet apps.
type Generator struct {
	tokenContract string
}

func NewGenerator(tokenContract string) *Generator {
	return &Generator{tokenContract: tokenContract}
}

type paymentPayload struct {
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// PaymentQR encodes the treasury address, token and amount as a PNG QR
// code. The reference carries the reservation id so a wallet memo can
// tie the transfer back.
func (g *Generator) PaymentQR(recipient string, amount decimal.Decimal, reference string) ([]byte, error) {
	data, err := json.Marshal(paymentPayload{
		Recipient: recipient,
		Token:     g.tokenContract,
		Amount:    amount.String(),
		Reference: reference,
	})
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(data), qrcode.Medium, 256)
}
