package scanning

import (
	"context"
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// pngStub starts with the PNG signature so toPNG passes it through untouched
var pngStub = []byte("\x89PNG\r\n\x1a\nnot-really-an-image")

func completionWith(content string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}},
		},
	}
}

var _ = Describe("Gateway", func() {
	var (
		upstream *ghttp.Server
		scanner  *Gateway
		data     *InvoiceData
		err      error
	)

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		var newErr error
		scanner, newErr = NewGateway(upstream.URL()+"/v1", "secret", "")
		Expect(newErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		upstream.Close()
	})

	JustBeforeEach(func() {
		data, err = scanner.ExtractInvoice(context.Background(), pngStub, "image/png")
	})

	When("the upstream returns a completion", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer secret"),
				func(w http.ResponseWriter, r *http.Request) {
					var req gatewayRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("google/gemini-2.5-flash"))
					Expect(req.Messages).To(HaveLen(2))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, completionWith(
					`{"chave": "`+validKey+`", "empresa": "ACME LTDA", "numero": "123", "dataEmissao": "01/01/2025", "valorTotal": "R$ 150,00"}`,
				)),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the extracted invoice", func() {
			Expect(data.AccessKey).To(Equal(validKey))
			Expect(data.IssuerName).To(Equal("ACME LTDA"))
		})
	})

	When("the upstream rate limits the call", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, `{"error":"slow down"}`))
		})

		It("returns ErrRateLimited", func() {
			Expect(err).To(MatchError(ErrRateLimited))
		})

		It("keeps the upstream status", func() {
			var upstreamErr *UpstreamError
			Expect(err).To(BeAssignableToTypeOf(upstreamErr))
			Expect(err.(*UpstreamError).StatusCode).To(Equal(http.StatusTooManyRequests))
		})
	})

	When("the upstream account is out of credits", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusPaymentRequired, `{}`))
		})

		It("returns ErrQuotaExceeded", func() {
			Expect(err).To(MatchError(ErrQuotaExceeded))
		})
	})

	When("the upstream fails with another status", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, `boom`))
		})

		It("returns an UpstreamError that is neither rate nor quota", func() {
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(ErrRateLimited))
			Expect(err).NotTo(MatchError(ErrQuotaExceeded))
			Expect(err.Error()).To(ContainSubstring("500"))
		})
	})

	When("the completion content is not JSON", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, completionWith("desculpe, não consegui ler")))
		})

		It("returns a parse error", func() {
			Expect(err).To(MatchError(ErrParse))
		})
	})

	When("the response body is not a completion", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusOK, `<html>`))
		})

		It("returns a parse error", func() {
			Expect(err).To(MatchError(ErrParse))
		})
	})

	When("there are no choices", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{"choices": []any{}}))
		})

		It("returns ErrNoContent", func() {
			Expect(err).To(MatchError(ErrNoContent))
		})
	})
})

var _ = Describe("Ollama", func() {
	var (
		upstream *ghttp.Server
		scanner  *Ollama
		data     *InvoiceData
		err      error
	)

	BeforeEach(func() {
		upstream = ghttp.NewServer()
		scanner, _ = NewOllama(upstream.URL(), "")
	})

	AfterEach(func() {
		upstream.Close()
	})

	JustBeforeEach(func() {
		data, err = scanner.ExtractInvoice(context.Background(), pngStub, "image/png")
	})

	When("the model answers", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{"role": "assistant", "content": `{"chave": "` + validKey + `"}`},
					"done":    true,
				}),
			))
		})

		It("should return the extracted invoice", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(data.AccessKey).To(Equal(validKey))
			Expect(data.IssuerName).To(Equal(NotIdentified))
		})
	})

	When("the server is rate limiting", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, ""))
		})

		It("returns ErrRateLimited", func() {
			Expect(err).To(MatchError(ErrRateLimited))
		})
	})
})

var _ = Describe("DecodeImagePayload", func() {
	It("decodes a data URL and keeps its declared type", func() {
		data, contentType, err := DecodeImagePayload("data:image/jpeg;base64,aGVsbG8=")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("hello"))
		Expect(contentType).To(Equal("image/jpeg"))
	})

	It("sniffs bare base64", func() {
		_, contentType, err := DecodeImagePayload("iVBORw0KGgoAAAANSUhEUg==")
		Expect(err).NotTo(HaveOccurred())
		Expect(contentType).To(Equal("image/png"))
	})

	It("rejects a data URL without base64", func() {
		_, _, err := DecodeImagePayload("data:image/png,rawdata")
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty payload", func() {
		_, _, err := DecodeImagePayload("")
		Expect(err).To(HaveOccurred())
	})
})
