package invoice

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zombor/danfe-handoff/internal/meudanfe"
	"github.com/zombor/danfe-handoff/internal/scanning"
)

// UserMessage turns any error from the flows into text fit for the end user
func UserMessage(err error) string {
	var statusErr *meudanfe.StatusError
	var storageErr *StorageError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, scanning.ErrRateLimited):
		return "Limite de requisições excedido. Tente novamente em alguns instantes."
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return "Créditos insuficientes no serviço de IA. Verifique o plano da conta."
	case errors.Is(err, scanning.ErrUnsupportedImage):
		return "Formato de arquivo não suportado. Envie uma foto (JPEG, PNG, HEIC) ou um PDF."
	case errors.Is(err, scanning.ErrParse), errors.Is(err, scanning.ErrNoContent):
		return "Não foi possível interpretar a resposta da IA. Tente uma foto mais nítida da DANFE."
	case errors.Is(err, ErrCodeNotFound):
		return "Código não encontrado. Confira os caracteres e tente novamente."
	case errors.Is(err, ErrCodeExpired):
		return "Este código expirou. Os códigos valem por 24 horas; processe a DANFE novamente."
	case errors.Is(err, scanning.ErrInvalidAccessKey):
		return "Chave de acesso inválida: são necessários 44 dígitos."
	case errors.As(err, &statusErr):
		return "Não foi possível baixar o PDF da DANFE: " + statusErr.Error()
	case errors.Is(err, meudanfe.ErrUnauthorized):
		return "Serviço de PDF recusou a chave de API configurada."
	case errors.Is(err, ErrDocumentFetch):
		return "Não foi possível baixar o PDF da DANFE. Tente novamente."
	case errors.As(err, &storageErr):
		return "Não foi possível salvar os dados. Tente novamente."
	}
	return "Não foi possível processar a imagem."
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans a filename from the document service for use in
// Content-Disposition. The result always ends in .pdf.
func sanitizeFilename(filename, accessKey string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	const maxLen = 80
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" || base == "." {
		base = "danfe-" + accessKey
	}
	return base + ".pdf"
}
