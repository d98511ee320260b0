package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// invoiceSchema describes what the model must return. Fields may be null or
// missing, but a field of the wrong type means the model ignored the prompt.
const invoiceSchema = `{
  "type": "object",
  "properties": {
    "chave":       {"type": ["string", "null"]},
    "empresa":     {"type": ["string", "null"]},
    "numero":      {"type": ["string", "number", "null"]},
    "dataEmissao": {"type": ["string", "null"]},
    "valorTotal":  {"type": ["string", "number", "null"]}
  }
}`

var compiledInvoiceSchema = mustCompileSchema(invoiceSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("invoice.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("invoice.json")
}

// rawInvoice mirrors the model output before normalisation
type rawInvoice struct {
	AccessKey     json.RawMessage `json:"chave"`
	IssuerName    json.RawMessage `json:"empresa"`
	InvoiceNumber json.RawMessage `json:"numero"`
	IssueDate     json.RawMessage `json:"dataEmissao"`
	TotalValue    json.RawMessage `json:"valorTotal"`
}

// extractJSONObject strips markdown fences and returns the outermost {...}
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("%w: no JSON object found in response", ErrParse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("%w: invalid JSON object in response", ErrParse)
	}
	return text[startIdx : endIdx+1], nil
}

// parseInvoiceJSON parses the model answer into InvoiceData
func parseInvoiceJSON(text string) (*InvoiceData, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoContent
	}

	object, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(strings.NewReader(object))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrParse, err)
	}
	if err := compiledInvoiceSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var raw rawInvoice
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrParse, err)
	}

	data := &InvoiceData{
		IssuerName:    orNotIdentified(fieldText(raw.IssuerName)),
		InvoiceNumber: orNotIdentified(fieldText(raw.InvoiceNumber)),
		IssueDate:     orNotIdentified(fieldText(raw.IssueDate)),
		TotalValue:    orNotIdentified(fieldText(raw.TotalValue)),
	}

	// The access key has no fallback: an unreadable key stays empty or
	// malformed and AccessKeyValid reports it.
	key := strings.TrimSpace(fieldText(raw.AccessKey))
	if !strings.EqualFold(key, NotIdentified) {
		data.AccessKey = NormalizeAccessKey(key)
	}

	return data, nil
}

// fieldText returns a string field's value, or a number's literal text.
// Missing and null fields yield "".
func fieldText(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func orNotIdentified(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return NotIdentified
	}
	return s
}
