package payment

import (
	"encoding/xml"

	"github.com/pkg/errors"
)

// eSocket.POS XML dialect. Every message is a single Esp:Interface
// document; the gateway signals success with ActionCode="APPROVE".

const (
	xmlDeclaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
	espNamespace   = "http://www.mosaicsoftware.com/Postilion/eSocket.POS/"

	// CurrencyUSD is the ISO 4217 numeric code used by default
	CurrencyUSD = "840"

	approveMarker = `ActionCode="APPROVE"`
)

type espInterface struct {
	XMLName     xml.Name        `xml:"Esp:Interface"`
	Version     string          `xml:"Version,attr"`
	Namespace   string          `xml:"xmlns:Esp,attr"`
	Admin       *espAdmin       `xml:"Esp:Admin,omitempty"`
	Transaction *espTransaction `xml:"Esp:Transaction,omitempty"`
}

type espAdmin struct {
	TerminalID string        `xml:"TerminalId,attr"`
	Action     string        `xml:"Action,attr"`
	Registers  []espRegister `xml:"Esp:Register,omitempty"`
}

type espRegister struct {
	Type    string `xml:"Type,attr"`
	EventID string `xml:"EventId,attr"`
}

type espTransaction struct {
	TerminalID            string `xml:"TerminalId,attr"`
	TransactionID         string `xml:"TransactionId,attr"`
	Type                  string `xml:"Type,attr"`
	TransactionAmount     string `xml:"TransactionAmount,attr,omitempty"`
	CurrencyCode          string `xml:"CurrencyCode,attr,omitempty"`
	OriginalTransactionID string `xml:"OriginalTransactionId,attr,omitempty"`
	ReasonCode            string `xml:"ReasonCode,attr,omitempty"`
}

func marshalMessage(doc espInterface) (string, error) {
	doc.Version = "1.0"
	doc.Namespace = espNamespace
	body, err := xml.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal esp message")
	}
	return xmlDeclaration + string(body), nil
}

// buildInit registers the terminal and the card events the UC listens
// for
func buildInit(terminalID string) (string, error) {
	return marshalMessage(espInterface{
		Admin: &espAdmin{
			TerminalID: terminalID,
			Action:     "INIT",
			Registers: []espRegister{
				{Type: "EVENT", EventID: "PROMPT_INSERT_CARD"},
				{Type: "EVENT", EventID: "CARD_INSERTED"},
			},
		},
	})
}

func buildClose(terminalID string) (string, error) {
	return marshalMessage(espInterface{
		Admin: &espAdmin{
			TerminalID: terminalID,
			Action:     "CLOSE",
		},
	})
}

func buildPurchase(terminalID, txnID, amount, currency string) (string, error) {
	return marshalMessage(espInterface{
		Transaction: &espTransaction{
			TerminalID:        terminalID,
			TransactionID:     txnID,
			Type:              "PURCHASE",
			TransactionAmount: amount,
			CurrencyCode:      currency,
		},
	})
}

func buildReversal(terminalID, txnID, originalTxnID, reason string) (string, error) {
	return marshalMessage(espInterface{
		Transaction: &espTransaction{
			TerminalID:            terminalID,
			TransactionID:         txnID,
			Type:                  "REFUND",
			OriginalTransactionID: originalTxnID,
			ReasonCode:            reason,
		},
	})
}
