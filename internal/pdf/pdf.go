// Package pdf renders invoices and contracts with maroto. Layout is kept
// deliberately plain: the SPA handles presentation, these documents are for
// mailing and archiving.
package pdf

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type InvoiceItem struct {
	Description string
	Quantity    int
	UnitPrice   float64
	Total       float64
}

type PartyData struct {
	Name  string
	Email string
}

type InvoiceData struct {
	Number     string
	Date       string
	DueDate    string
	Currency   string
	Items      []InvoiceItem
	Subtotal   float64
	Discount   float64
	VAT        float64
	GrandTotal float64
	Client     PartyData
	Account    PartyData
}

// InvoicePDF renders an invoice document and returns the raw bytes.
func InvoicePDF(data InvoiceData) ([]byte, error) {
	m := maroto.New()

	m.AddRow(12, text.NewCol(8, "Invoice "+data.Number, props.Text{Size: 16, Style: fontstyle.Bold}))
	m.AddRow(6, text.NewCol(6, "Date: "+data.Date))
	m.AddRow(6, text.NewCol(6, "Due: "+data.DueDate))
	m.AddRow(8, text.NewCol(6, "Billed to: "+data.Client.Name),
		text.NewCol(6, data.Account.Name, props.Text{Align: align.Right}))
	m.AddRow(4)

	m.AddRow(7,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, "Unit", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, "Total", props.Text{Style: fontstyle.Bold, Align: align.Right}),
	)
	for _, it := range data.Items {
		m.AddRow(6,
			text.NewCol(6, it.Description),
			text.NewCol(2, fmt.Sprintf("%d", it.Quantity), props.Text{Align: align.Right}),
			text.NewCol(2, amount(it.UnitPrice, data.Currency), props.Text{Align: align.Right}),
			text.NewCol(2, amount(it.Total, data.Currency), props.Text{Align: align.Right}),
		)
	}

	m.AddRow(4)
	m.AddRow(6, text.NewCol(10, "Subtotal", props.Text{Align: align.Right}),
		text.NewCol(2, amount(data.Subtotal, data.Currency), props.Text{Align: align.Right}))
	if data.Discount > 0 {
		m.AddRow(6, text.NewCol(10, "Discount", props.Text{Align: align.Right}),
			text.NewCol(2, "-"+amount(data.Discount, data.Currency), props.Text{Align: align.Right}))
	}
	m.AddRow(6, text.NewCol(10, "VAT", props.Text{Align: align.Right}),
		text.NewCol(2, amount(data.VAT, data.Currency), props.Text{Align: align.Right}))
	m.AddRow(8, text.NewCol(10, "Total", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, amount(data.GrandTotal, data.Currency), props.Text{Style: fontstyle.Bold, Align: align.Right}))

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

type ContractData struct {
	Title       string
	Version     int
	Status      string
	Body        string // already rendered, placeholders substituted
	SignerName  string
	SignedAt    string
	AccountName string
}

// ContractPDF renders an SLA contract document.
func ContractPDF(data ContractData) ([]byte, error) {
	m := maroto.New()

	m.AddRow(12, text.NewCol(12, data.Title, props.Text{Size: 16, Style: fontstyle.Bold}))
	m.AddRow(6, text.NewCol(6, fmt.Sprintf("Version %d (%s)", data.Version, data.Status)),
		text.NewCol(6, data.AccountName, props.Text{Align: align.Right}))
	m.AddRow(4)
	m.AddRow(80, text.NewCol(12, data.Body, props.Text{Size: 10}))
	if data.SignerName != "" {
		m.AddRow(4)
		m.AddRow(6, text.NewCol(12, "Signed by "+data.SignerName+" on "+data.SignedAt, props.Text{Style: fontstyle.Italic}))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func amount(v float64, currency string) string {
	if currency == "" {
		currency = "EUR"
	}
	return fmt.Sprintf("%.2f %s", v, currency)
}
