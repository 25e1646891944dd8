package services

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pii-redactor/models"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePDF(t *testing.T, lines ...string) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 12)
	for i, line := range lines {
		pdf.Text(50, 100+float64(i)*20, line)
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

// templatePDF draws line inside a form XObject and page inside the page
// content stream
func templatePDF(t *testing.T, line, page string) []byte {
	t.Helper()
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	tpl := pdf.CreateTemplate(func(tpl *fpdf.Tpl) {
		tpl.SetFont("Helvetica", "", 12)
		tpl.Text(50, 100, line)
	})
	pdf.AddPage()
	pdf.UseTemplate(tpl)
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(50, 140, page)
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

// decodedStreams concatenates every stream of a document after decoding
func decodedStreams(t *testing.T, data []byte) string {
	t.Helper()
	pdfCtx, err := api.ReadContext(bytes.NewReader(data), pdfConfiguration())
	require.NoError(t, err)
	var sb strings.Builder
	for _, entry := range pdfCtx.Table {
		if entry == nil || entry.Free {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if err := sd.Decode(); err != nil {
			continue
		}
		sb.Write(sd.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func extractPDFText(t *testing.T, data []byte) string {
	t.Helper()
	r, err := openPDF(data)
	require.NoError(t, err)
	var sb strings.Builder
	for num := 1; num <= r.NumPage(); num++ {
		texts, err := pageGlyphs(r, num)
		require.NoError(t, err)
		for _, tx := range texts {
			sb.WriteString(tx.S)
		}
	}
	return sb.String()
}

func TestParseContent(t *testing.T) {
	src := []byte("BT /F1 12 Tf 50 742 Td (a\\(b\\)) Tj [<4142> -250 (C)] TJ ET\n0 0 1 RG")
	ops, err := parseContent(src)
	require.NoError(t, err)

	var names []string
	for _, op := range ops {
		names = append(names, op.op)
	}
	assert.Equal(t, []string{"BT", "Tf", "Td", "Tj", "TJ", "ET", "RG"}, names)

	assert.Equal(t, "F1", ops[1].operands[0].name)
	assert.Equal(t, 12.0, ops[1].operands[1].num)
	assert.Equal(t, []byte("a(b)"), ops[3].operands[0].str)

	tj := ops[4].operands[0]
	require.Equal(t, operandArray, tj.kind)
	require.Len(t, tj.elems, 3)
	assert.Equal(t, []byte("AB"), tj.elems[0].str)
	assert.Equal(t, -250.0, tj.elems[1].num)

	assert.Equal(t, "0 0 1 RG", string(ops[6].raw))
}

func TestParseContent_InlineImageCopiedThrough(t *testing.T) {
	src := []byte("q BI /W 1 /H 1 /BPC 8 /CS /G ID \x00 EI Q")
	ops, err := parseContent(src)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "BI", ops[1].op)
	assert.Contains(t, string(ops[1].raw), "EI")
}

func TestParseContent_Unterminated(t *testing.T) {
	_, err := parseContent([]byte("BT (never closed Tj ET"))
	assert.ErrorIs(t, err, errContentSyntax)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "12", formatNumber(12))
	assert.Equal(t, "0.5", formatNumber(0.5))
	assert.Equal(t, "-3.25", formatNumber(-3.25))
	assert.Equal(t, "0", formatNumber(-0.00001))
}

func helveticaFonts(t *testing.T) *pageFonts {
	t.Helper()
	table := newCoreMetrics().table("Helvetica")
	require.NotNil(t, table)
	return &pageFonts{cache: map[string]*pdfFont{
		"F1": {enc: rawEncoding{}, split: true, core: table},
	}}
}

func TestTextLayout_MarkAndRewrite(t *testing.T) {
	ops, err := parseContent([]byte("BT /F1 10 Tf ET BT 50 700 Td (Call Jane now) Tj ET"))
	require.NoError(t, err)

	layout := layoutText(ops, helveticaFonts(t), identityMatrix)
	require.Len(t, layout.shows, 1)
	assert.Equal(t, 1, layout.mark([]string{"jane"}))

	rects := layout.rects(1)
	require.Len(t, rects, 1)
	assert.Equal(t, 1, rects[0].Page)
	assert.Greater(t, rects[0].LLX, 50.0)
	assert.Greater(t, rects[0].URX, rects[0].LLX)
	assert.Less(t, rects[0].LLY, 700.0)
	assert.Greater(t, rects[0].URY, 700.0)

	out := string(layout.rewrite(ops))
	assert.NotContains(t, out, "Jane")
	// "Call " and " now" survive as hex strings with a gap between them
	assert.Contains(t, out, "<43616C6C20>")
	assert.Contains(t, out, "<206E6F77>")
	assert.Contains(t, out, "] TJ")
}

func TestTextLayout_MatchAcrossOperators(t *testing.T) {
	ops, err := parseContent([]byte("BT /F1 10 Tf 50 700 Td (Jo) Tj (hn) Tj ( Doe) Tj ET"))
	require.NoError(t, err)

	layout := layoutText(ops, helveticaFonts(t), identityMatrix)
	assert.Equal(t, 1, layout.mark([]string{"John Doe"}))
	assert.Len(t, layout.rects(1), 3)
	assert.NotContains(t, string(layout.rewrite(ops)), "(Jo)")
}

func TestTextLayout_UnsplittableStringRemovedWhole(t *testing.T) {
	fonts := &pageFonts{cache: map[string]*pdfFont{"F2": {enc: rawEncoding{}}}}
	ops, err := parseContent([]byte("BT /F2 10 Tf 50 700 Td (id 1234 ok) Tj ET"))
	require.NoError(t, err)

	layout := layoutText(ops, fonts, identityMatrix)
	assert.Equal(t, 1, layout.mark([]string{"1234"}))
	out := string(layout.rewrite(ops))
	assert.NotContains(t, out, "1234")
	assert.NotContains(t, out, "ok")
}

func TestTextLayout_WholeWordsOnly(t *testing.T) {
	ops, err := parseContent([]byte("BT /F1 10 Tf 50 700 Td (Tom said Tomorrow is custom) Tj ET"))
	require.NoError(t, err)

	layout := layoutText(ops, helveticaFonts(t), identityMatrix)
	assert.Equal(t, 1, layout.mark([]string{"Tom"}))
	require.Len(t, layout.rects(1), 1)

	out := string(layout.rewrite(ops))
	// " said Tomorrow is custom"
	assert.Contains(t, out, "<207361696420546F6D6F72726F77206973206375"+"73746F6D>")
}

func TestTextLayout_TJGapIsWordBreak(t *testing.T) {
	ops, err := parseContent([]byte("BT /F1 10 Tf 50 700 Td [(Ann) -300 (Lee) (ds)] TJ ET"))
	require.NoError(t, err)

	layout := layoutText(ops, helveticaFonts(t), identityMatrix)
	assert.Equal(t, 1, layout.mark([]string{"Ann"}))
	assert.Equal(t, 0, layout.mark([]string{"Lee"}))
}

func TestTextLayout_FollowsCTM(t *testing.T) {
	ops, err := parseContent([]byte("q 2 0 0 2 100 0 cm /Fm1 Do Q BT /F1 10 Tf 10 20 Td (Ann) Tj ET"))
	require.NoError(t, err)

	layout := layoutText(ops, helveticaFonts(t), translation(0, 300))
	require.Len(t, layout.forms, 1)
	assert.Equal(t, "Fm1", layout.forms[0].name)
	assert.Equal(t, matrix{2, 0, 0, 2, 100, 300}, layout.forms[0].ctm)

	require.Equal(t, 1, layout.mark([]string{"Ann"}))
	rects := layout.rects(1)
	require.Len(t, rects, 1)
	assert.Less(t, rects[0].LLY, 320.0)
	assert.Greater(t, rects[0].URY, 320.0)
}

func TestTextIndex_Find(t *testing.T) {
	ix := &textIndex{}
	ix.add("See you Tomorrow", true)
	ix.add("Tom", false)
	ix.add("Tom,", true)

	assert.Empty(t, ix.find("you Tom"))
	assert.Equal(t, []int{17}, ix.find("tom"))
	assert.Empty(t, ix.find("Tomorrow"))
	assert.Len(t, ix.find("tomorrowtom"), 1)
	assert.Equal(t, []int{0}, ix.find("seeyou"))
	assert.Empty(t, ix.find("  "))
}

func TestEntityTexts(t *testing.T) {
	got := entityTexts([]models.PiiEntity{
		{Text: "John"}, {Text: "  "}, {Text: "John"}, {Text: "555-1234"},
	})
	assert.Equal(t, []string{"John", "555-1234"}, got)
}

func TestPDFRenderer_RemovesEntities(t *testing.T) {
	src := samplePDF(t, "Contact John Smith at john@example.com", "Nothing to hide here")
	require.Contains(t, extractPDFText(t, src), "John Smith")

	doc := &models.Document{Filename: "report.pdf", Format: models.FormatPDF, Data: src}
	redacted := &models.RedactedText{Entities: []models.PiiEntity{
		{Text: "John Smith", Kind: "Person"},
		{Text: "john@example.com", Kind: "Email"},
	}}

	artifact, err := NewPDFRenderer().Render(context.Background(), doc, redacted)
	require.NoError(t, err)

	assert.Equal(t, "redacted_report.pdf", artifact.Filename)
	assert.Equal(t, "application/pdf", artifact.ContentType)
	require.NotEmpty(t, artifact.Rects)
	for _, rc := range artifact.Rects {
		assert.Equal(t, 1, rc.Page)
	}

	text := extractPDFText(t, artifact.Data)
	assert.NotContains(t, text, "John")
	assert.NotContains(t, text, "example.com")
	assert.Contains(t, text, "Contact")
	assert.Contains(t, text, "Nothing")

	assert.NoError(t, verifyRedacted(artifact.Data, entityTexts(redacted.Entities)))
}

func TestPDFRenderer_NoEntitiesReturnsOriginal(t *testing.T) {
	src := samplePDF(t, "Nothing to hide here")
	doc := &models.Document{Filename: "plain.pdf", Format: models.FormatPDF, Data: src}

	artifact, err := NewPDFRenderer().Render(context.Background(), doc, &models.RedactedText{Text: "Nothing to hide here"})
	require.NoError(t, err)
	assert.Equal(t, src, artifact.Data)
	assert.Empty(t, artifact.Rects)
}

func TestPDFRenderer_CorruptInput(t *testing.T) {
	doc := &models.Document{Filename: "broken.pdf", Format: models.FormatPDF, Data: []byte("%PDF-1.4 not really")}
	_, err := NewDocumentRenderer(NewPDFRenderer()).Render(context.Background(), doc, &models.RedactedText{})
	assert.ErrorIs(t, err, ErrRender)
}

func TestVerifyRedacted_DetectsLeftovers(t *testing.T) {
	src := samplePDF(t, "Call 555-0100 today")
	assert.ErrorIs(t, verifyRedacted(src, []string{"555-0100"}), errPIIRemains)
	assert.NoError(t, verifyRedacted(src, []string{"unrelated"}))
}

func TestPDFRenderer_RemovesEntitiesInsideForms(t *testing.T) {
	src := templatePDF(t, "Contact john@example.com today", "Signed by Ann")
	require.ErrorIs(t, verifyRedacted(src, []string{"john@example.com"}), errPIIRemains)

	doc := &models.Document{Filename: "form.pdf", Format: models.FormatPDF, Data: src}
	redacted := &models.RedactedText{Entities: []models.PiiEntity{{Text: "john@example.com", Kind: "Email"}}}

	artifact, err := NewPDFRenderer().Render(context.Background(), doc, redacted)
	require.NoError(t, err)
	assert.NotEqual(t, src, artifact.Data)

	require.Len(t, artifact.Rects, 1)
	rc := artifact.Rects[0]
	assert.Equal(t, 1, rc.Page)
	// fpdf places the baseline at 842-100 in default user space
	assert.Less(t, rc.LLY, 742.0)
	assert.Greater(t, rc.URY, 742.0)
	assert.Greater(t, rc.LLX, 50.0)

	streams := decodedStreams(t, artifact.Data)
	assert.NotContains(t, streams, "john@example.com")
	assert.NotContains(t, streams, "6A6F686E406578616D706C652E636F6D")
	// " today" survives inside the form
	assert.Contains(t, streams, "<20746F646179>")
	assert.Contains(t, extractPDFText(t, artifact.Data), "Ann")

	assert.NoError(t, verifyRedacted(artifact.Data, []string{"john@example.com"}))
}

func TestPDFRenderer_FormWithoutEntitiesIsUntouched(t *testing.T) {
	src := templatePDF(t, "Nothing in here", "Or here")
	doc := &models.Document{Filename: "form.pdf", Format: models.FormatPDF, Data: src}
	redacted := &models.RedactedText{Entities: []models.PiiEntity{{Text: "john@example.com", Kind: "Email"}}}

	artifact, err := NewPDFRenderer().Render(context.Background(), doc, redacted)
	require.NoError(t, err)
	assert.Equal(t, src, artifact.Data)
	assert.Empty(t, artifact.Rects)
}

func TestVerifyRedacted_WholeWordsOnly(t *testing.T) {
	src := samplePDF(t, "See you Tomorrow")
	assert.NoError(t, verifyRedacted(src, []string{"Tom"}))
	assert.ErrorIs(t, verifyRedacted(src, []string{"tomorrow"}), errPIIRemains)
}

func TestLocalExtractor_PDF(t *testing.T) {
	src := samplePDF(t, "First line", "Second line")
	doc := &models.Document{Filename: "lines.pdf", Format: models.FormatPDF, Data: src}

	extraction, err := NewLocalExtractor().Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Contains(t, extraction.Text, "First line")
	assert.Contains(t, extraction.Text, "Second line")
}

func TestLocalExtractor_PDFFormText(t *testing.T) {
	src := templatePDF(t, "Contact john@example.com today", "Signed by Ann")
	doc := &models.Document{Filename: "form.pdf", Format: models.FormatPDF, Data: src}

	extraction, err := NewLocalExtractor().Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Contains(t, extraction.Text, "Signed by Ann")
	assert.Contains(t, extraction.Text, "Contact john@example.com today")
}
