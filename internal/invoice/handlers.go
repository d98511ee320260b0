package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/danfe-handoff/internal/meudanfe"
	"github.com/zombor/danfe-handoff/internal/scanning"
)

// maxUploadSize covers high-resolution phone photos sent as base64 JSON
const maxUploadSize = int64(25 << 20)

// maxJSONBodySize bounds the small JSON bodies of redeem and pdf requests
const maxJSONBodySize = int64(64 << 10)

// sessionResponse is the body of extract and redeem responses
type sessionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	SessionView
}

type pdfPayload struct {
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
}

type pdfResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	PDF     *pdfPayload `json:"pdf,omitempty"`
}

// writeJSON writes v as JSON with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// statusForError maps the error taxonomy onto HTTP statuses. fallback is
// used for errors outside it.
func statusForError(err error, fallback int) int {
	var storageErr *StorageError
	switch {
	case errors.Is(err, scanning.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, scanning.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, scanning.ErrParse), errors.Is(err, scanning.ErrNoContent):
		return http.StatusBadGateway
	case errors.Is(err, ErrCodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCodeExpired):
		return http.StatusGone
	case errors.Is(err, scanning.ErrInvalidAccessKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	case errors.Is(err, ErrDocumentFetch):
		return http.StatusBadGateway
	}
	return fallback
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleHealth reports whether the record store is reachable
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.service.Ready(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "fail"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type extractRequest struct {
	ImageBase64 string `json:"imageBase64"`
	ContentType string `json:"contentType"`
	Device      string `json:"device"`
}

// readExtractRequest accepts either a JSON body with a base64 image or a
// multipart upload with a "file" field
func readExtractRequest(r *http.Request) (data []byte, contentType, device string, err error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return nil, "", "", fmt.Errorf("parsing form: %w", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", "", fmt.Errorf("reading file field: %w", err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", "", fmt.Errorf("reading file: %w", err)
		}
		return data, header.Header.Get("Content-Type"), r.FormValue("device"), nil
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", "", fmt.Errorf("decoding body: %w", err)
	}
	data, contentType, err = scanning.DecodeImagePayload(req.ImageBase64)
	if err != nil {
		return nil, "", "", err
	}
	if req.ContentType != "" {
		contentType = req.ContentType
	}
	return data, contentType, req.Device, nil
}

// handleExtract runs one extraction. Mobile clients get a code back,
// everyone else gets the record.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	data, contentType, device, err := readExtractRequest(r)
	if err != nil {
		slog.Error("Error reading extract request", "error", err)
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "Arquivo muito grande. O limite é 25MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "Nenhuma imagem válida foi enviada.")
		return
	}

	sess := NewSession(DeviceClassFromRequest(r, device))
	if err := sess.SelectImage(data, contentType); err != nil {
		writeError(w, http.StatusBadRequest, "Nenhuma imagem válida foi enviada.")
		return
	}

	if err := s.service.Extract(r.Context(), sess); err != nil {
		writeJSON(w, statusForError(err, http.StatusBadGateway), sessionResponse{
			Error:       UserMessage(err),
			SessionView: sess.View(),
		})
		return
	}

	status := http.StatusOK
	if sess.State() == StateCodeIssued {
		status = http.StatusCreated
	}
	writeJSON(w, status, sessionResponse{Success: true, SessionView: sess.View()})
}

// decodeSmallJSON decodes a JSON body of at most maxJSONBodySize bytes
func decodeSmallJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// handleRedeem exchanges an access code for the record it holds
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	err := decodeSmallJSON(w, r, &req)
	if isBodyTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "Requisição muito grande.")
		return
	}
	if err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "Informe o código de acesso.")
		return
	}

	sess := NewSession(DeviceClassFromRequest(r, ""))
	if err := sess.AwaitCode(); err != nil {
		writeError(w, http.StatusInternalServerError, UserMessage(err))
		return
	}

	if err := s.service.Redeem(r.Context(), sess, req.Code); err != nil {
		writeJSON(w, statusForError(err, http.StatusInternalServerError), sessionResponse{
			Error:       UserMessage(err),
			SessionView: sess.View(),
		})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Success: true, SessionView: sess.View()})
}

// handlePDF returns the DANFE PDF as base64 JSON
func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessKey string `json:"chaveAcesso"`
	}
	err := decodeSmallJSON(w, r, &req)
	if isBodyTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "Requisição muito grande.")
		return
	}
	if err != nil || strings.TrimSpace(req.AccessKey) == "" {
		writeError(w, http.StatusBadRequest, "Chave de acesso é obrigatória.")
		return
	}

	doc, err := s.service.DownloadPDF(r.Context(), req.AccessKey)
	if err != nil {
		writeJSON(w, statusForError(err, http.StatusBadGateway), pdfResponse{Error: UserMessage(err)})
		return
	}

	writeJSON(w, http.StatusOK, pdfResponse{
		Success: true,
		PDF:     &pdfPayload{Base64: doc.Base64(), Filename: doc.Filename},
	})
}

// handleDownloadPDF streams the DANFE PDF as an attachment
func (s *Server) handleDownloadPDF(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.DownloadPDF(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, statusForError(err, http.StatusBadGateway), UserMessage(err))
		return
	}
	writePDF(w, doc)
}

func writePDF(w http.ResponseWriter, doc *meudanfe.Document) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(doc.Content)
}
