package scanning

// danfePrompt is shared by every provider. Field names match InvoiceData's JSON tags.
const danfePrompt = `Analise esta imagem de DANFE (Documento Auxiliar da Nota Fiscal Eletrônica) e extraia EXATAMENTE as seguintes informações:

1. Chave de acesso da NF-e (44 dígitos numéricos, normalmente impressa em grupos de 4 abaixo do código de barras)
2. Nome da empresa emitente
3. Número da nota fiscal
4. Data de emissão (formato DD/MM/AAAA)
5. Valor total da nota

Retorne APENAS um JSON válido neste formato exato, sem texto adicional e sem blocos markdown:
{
  "chave": "44 dígitos",
  "empresa": "nome da empresa",
  "numero": "número da nota",
  "dataEmissao": "DD/MM/AAAA",
  "valorTotal": "R$ 0,00"
}

Se não conseguir extrair alguma informação, use "Não identificado" para aquele campo.`

const danfeSystemPrompt = "Você é especialista em ler documentos fiscais brasileiros. Leia todo o texto da imagem com atenção e transcreva os dígitos exatamente como impressos."
