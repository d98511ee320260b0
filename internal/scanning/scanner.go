package scanning

import "context"

// NotIdentified is what a display field holds when the model could not read it
const NotIdentified = "Não identificado"

// InvoiceData contains the fields extracted from a DANFE image
type InvoiceData struct {
	AccessKey     string `json:"chave"`
	IssuerName    string `json:"empresa"`
	InvoiceNumber string `json:"numero"`
	IssueDate     string `json:"dataEmissao"` // DD/MM/YYYY as printed, not validated
	TotalValue    string `json:"valorTotal"`  // currency display string, e.g. "R$ 150,00"
}

// AccessKeyValid reports whether the extracted access key is exactly 44 digits
func (d *InvoiceData) AccessKeyValid() bool {
	return ValidAccessKey(d.AccessKey)
}

// Scanner defines the interface for DANFE extraction operations
type Scanner interface {
	// ExtractInvoice analyzes a DANFE image/PDF and extracts its access key and summary fields
	ExtractInvoice(ctx context.Context, imageData []byte, contentType string) (*InvoiceData, error)
	// Close closes the scanner and releases resources
	Close() error
}
