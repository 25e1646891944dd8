package services

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pii-redactor/internal/logger"
	"pii-redactor/models"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var disableConfigDir sync.Once

// PDFRenderer removes every located occurrence of each entity from the page
// content streams, the form XObjects they draw and annotation appearances, and
// covers the emptied areas with opaque black boxes. The result is re-extracted
// before it is returned; a document from which any entity can still be
// extracted is never emitted.
type PDFRenderer struct {
	metrics *coreMetrics
}

func NewPDFRenderer() *PDFRenderer {
	disableConfigDir.Do(api.DisableConfigDir)
	return &PDFRenderer{metrics: newCoreMetrics()}
}

func pdfConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}

func (r *PDFRenderer) Render(ctx context.Context, doc *models.Document, redacted *models.RedactedText) (*models.RedactedArtifact, error) {
	_, span := otel.Tracer("pdf-renderer").Start(ctx, "pdf.redact")
	defer span.End()

	entities := entityTexts(redacted.Entities)
	data, rects, err := r.redact(doc.Data, entities)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("pdf.entities", len(entities)),
		attribute.Int("pdf.rects", len(rects)),
	)

	return &models.RedactedArtifact{
		Filename:    ArtifactName(doc.Filename),
		ContentType: "application/pdf",
		Data:        data,
		Rects:       rects,
	}, nil
}

func (r *PDFRenderer) redact(src []byte, entities []string) ([]byte, []models.RedactionRect, error) {
	reader, err := openPDF(src)
	if err != nil {
		return nil, nil, fmt.Errorf("read pdf: %w", err)
	}

	pdfCtx, err := api.ReadContext(bytes.NewReader(src), pdfConfiguration())
	if err != nil {
		return nil, nil, fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return nil, nil, fmt.Errorf("validate pdf: %w", err)
	}

	if len(entities) == 0 {
		return src, nil, nil
	}

	pass := newPDFRedaction(pdfCtx, reader, r.metrics, entities)
	var rects []models.RedactionRect
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		pageRects, err := pass.page(pageNr)
		if err != nil {
			return nil, nil, err
		}
		if len(pageRects) > 0 {
			logger.Debug("Redacted PDF page", "page", pageNr, "rects", len(pageRects))
		}
		rects = append(rects, pageRects...)
	}

	if !pass.changed {
		if err := verifyRedacted(src, entities); err != nil {
			return nil, nil, err
		}
		return src, nil, nil
	}

	var out bytes.Buffer
	if err := api.WriteContext(pdfCtx, &out); err != nil {
		return nil, nil, fmt.Errorf("write pdf: %w", err)
	}
	if err := verifyRedacted(out.Bytes(), entities); err != nil {
		return nil, nil, err
	}
	return out.Bytes(), rects, nil
}

// redactedStream isolates the rewritten content in its own graphics state and
// paints the redaction boxes on top in default user space
func redactedStream(content []byte, rects []models.RedactionRect) []byte {
	var buf bytes.Buffer
	buf.WriteString("q\n")
	buf.Write(content)
	buf.WriteString("Q\nq 0 g\n")
	for _, rc := range rects {
		fmt.Fprintf(&buf, "%s %s %s %s re f\n",
			formatNumber(rc.LLX), formatNumber(rc.LLY),
			formatNumber(rc.URX-rc.LLX), formatNumber(rc.URY-rc.LLY))
	}
	buf.WriteString("Q\n")
	return buf.Bytes()
}

func contentRefs(pdfCtx *model.Context, obj types.Object) []types.IndirectRef {
	switch o := obj.(type) {
	case types.IndirectRef:
		deref, err := pdfCtx.Dereference(o)
		if err != nil {
			return nil
		}
		if arr, ok := deref.(types.Array); ok {
			return append([]types.IndirectRef{o}, contentRefs(pdfCtx, arr)...)
		}
		return []types.IndirectRef{o}
	case types.Array:
		var refs []types.IndirectRef
		for _, el := range o {
			if ir, ok := el.(types.IndirectRef); ok {
				refs = append(refs, ir)
			}
		}
		return refs
	}
	return nil
}

// contentRefCounts counts how many pages reference each content object
func contentRefCounts(pdfCtx *model.Context) map[int]int {
	counts := make(map[int]int)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		pageDict, _, _, err := pdfCtx.PageDict(pageNr, false)
		if err != nil || pageDict == nil {
			continue
		}
		for _, ir := range contentRefs(pdfCtx, pageDict["Contents"]) {
			counts[ir.ObjectNumber.Value()]++
		}
	}
	return counts
}

// replacePageContent points the page at a new content stream. The previous
// streams are overwritten with empty ones unless another page shares them,
// so the original text does not survive as an unreferenced object.
func replacePageContent(pdfCtx *model.Context, pageDict types.Dict, content []byte, shared map[int]int) error {
	sd, err := pdfCtx.NewStreamDictForBuf(content)
	if err != nil {
		return err
	}
	if err := sd.Encode(); err != nil {
		return err
	}
	ir, err := pdfCtx.IndRefForNewObject(*sd)
	if err != nil {
		return err
	}

	old := contentRefs(pdfCtx, pageDict["Contents"])
	pageDict["Contents"] = *ir

	for _, ref := range old {
		if shared[ref.ObjectNumber.Value()] > 1 {
			continue
		}
		entry, ok := pdfCtx.FindTableEntryForIndRef(&ref)
		if !ok {
			continue
		}
		if _, isStream := entry.Object.(types.StreamDict); !isStream {
			entry.Object = types.Array{}
			continue
		}
		empty, err := pdfCtx.NewStreamDictForBuf([]byte{})
		if err != nil {
			return err
		}
		if err := empty.Encode(); err != nil {
			return err
		}
		entry.Object = *empty
	}
	return nil
}

// entityTexts returns the distinct non-empty entity texts
func entityTexts(entities []models.PiiEntity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entities {
		if len(compactText(e.Text)) == 0 || seen[e.Text] {
			continue
		}
		seen[e.Text] = true
		out = append(out, e.Text)
	}
	return out
}
