package services

import (
	"errors"
	"fmt"
	"math"

	"pii-redactor/internal/logger"
	"pii-redactor/models"

	ledpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Text drawn outside the page content stream: form XObjects invoked with Do
// and the appearance streams of annotations.

const maxFormDepth = 8

var errFormDepth = errors.New("form xobjects nested too deeply")

// formXObject is a form XObject stream as parsed from the original document.
// ops stay the original operators after the stream has been rewritten.
type formXObject struct {
	ref       types.IndirectRef
	sd        *types.StreamDict
	ops       []contentOp
	matrix    matrix
	bbox      []float64
	resources types.Dict
	resValue  ledpdf.Value
	ownRes    bool
	rewritten bool
}

// pdfRedaction is one redaction pass over a document
type pdfRedaction struct {
	pdfCtx   *model.Context
	reader   *ledpdf.Reader
	metrics  *coreMetrics
	entities []string
	shared   map[int]int
	forms    map[int]*formXObject
	changed  bool
}

func newPDFRedaction(pdfCtx *model.Context, reader *ledpdf.Reader, metrics *coreMetrics, entities []string) *pdfRedaction {
	return &pdfRedaction{
		pdfCtx:   pdfCtx,
		reader:   reader,
		metrics:  metrics,
		entities: entities,
		shared:   contentRefCounts(pdfCtx),
		forms:    make(map[int]*formXObject),
	}
}

// page redacts one page together with every form and annotation it draws and
// returns the rectangles painted over it
func (x *pdfRedaction) page(pageNr int) (rects []models.RedactionRect, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: pdf reader panic: %v", pageNr, rec)
		}
	}()

	pageDict, _, inherited, err := x.pdfCtx.PageDict(pageNr, false)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNr, err)
	}
	if pageDict == nil {
		return nil, nil
	}

	var ops []contentOp
	content, err := x.pdfCtx.PageContent(pageDict, pageNr)
	switch {
	case errors.Is(err, model.ErrNoContent):
	case err != nil:
		return nil, fmt.Errorf("page %d content: %w", pageNr, err)
	default:
		if ops, err = parseContent(content); err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNr, err)
		}
	}

	var resources types.Dict
	if inherited != nil {
		resources = inherited.Resources
	}
	ledPage := x.reader.Page(pageNr)
	resValue := ledPage.Resources()

	layout := layoutText(ops, newPageFonts(resValue, x.metrics), identityMatrix)
	if layout.mark(x.entities) > 0 {
		rects = layout.rects(pageNr)
	}

	formRects, err := x.drawForms(layout.forms, resources, resValue, pageNr, 0)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNr, err)
	}
	rects = append(rects, formRects...)

	annotRects, err := x.annotations(pageDict, ledPage.V, pageNr)
	if err != nil {
		return nil, fmt.Errorf("page %d annotations: %w", pageNr, err)
	}
	rects = append(rects, annotRects...)

	if len(rects) == 0 {
		return nil, nil
	}
	stream := redactedStream(layout.rewrite(ops), rects)
	if err := replacePageContent(x.pdfCtx, pageDict, stream, x.shared); err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNr, err)
	}
	x.changed = true
	return rects, nil
}

// drawForms follows the Do operators of a content stream into form XObjects
func (x *pdfRedaction) drawForms(uses []formUse, resources types.Dict, resValue ledpdf.Value, pageNr, depth int) ([]models.RedactionRect, error) {
	if len(uses) == 0 {
		return nil, nil
	}
	if depth >= maxFormDepth {
		return nil, errFormDepth
	}

	xobjects, err := x.pdfCtx.DereferenceDict(resources["XObject"])
	if err != nil {
		return nil, err
	}

	var rects []models.RedactionRect
	for _, use := range uses {
		ref, ok := xobjects[use.name].(types.IndirectRef)
		if !ok {
			continue
		}
		form, err := x.form(ref, resValue.Key("XObject").Key(use.name), resources, resValue)
		if err != nil {
			return nil, fmt.Errorf("xobject %s: %w", use.name, err)
		}
		if form == nil {
			continue
		}
		formRects, err := x.drawForm(form, form.matrix.mul(use.ctm), resources, resValue, pageNr, depth)
		if err != nil {
			return nil, err
		}
		rects = append(rects, formRects...)
	}
	return rects, nil
}

// drawForm locates entities in one drawing of a form. The form stream is
// rewritten the first time; every drawing contributes its own rectangles.
func (x *pdfRedaction) drawForm(form *formXObject, ctm matrix, resources types.Dict, resValue ledpdf.Value, pageNr, depth int) ([]models.RedactionRect, error) {
	if form.ownRes {
		resources, resValue = form.resources, form.resValue
	}

	layout := layoutText(form.ops, newPageFonts(resValue, x.metrics), ctm)
	var rects []models.RedactionRect
	if layout.mark(x.entities) > 0 {
		rects = layout.rects(pageNr)
		if !form.rewritten {
			if err := x.replaceFormContent(form, layout.rewrite(form.ops)); err != nil {
				return nil, err
			}
			form.rewritten = true
			x.changed = true
		}
	}

	nested, err := x.drawForms(layout.forms, resources, resValue, pageNr, depth+1)
	if err != nil {
		return nil, err
	}
	return append(rects, nested...), nil
}

// form loads the XObject behind ref. Image XObjects yield nil.
func (x *pdfRedaction) form(ref types.IndirectRef, value ledpdf.Value, resources types.Dict, resValue ledpdf.Value) (*formXObject, error) {
	nr := ref.ObjectNumber.Value()
	if form, ok := x.forms[nr]; ok {
		return form, nil
	}

	sd, _, err := x.pdfCtx.DereferenceStreamDict(ref)
	if err != nil {
		return nil, err
	}
	if sd == nil {
		x.forms[nr] = nil
		return nil, nil
	}
	if subtype := sd.Dict.Subtype(); subtype == nil || *subtype != "Form" {
		x.forms[nr] = nil
		return nil, nil
	}

	if err := sd.Decode(); err != nil {
		return nil, err
	}
	ops, err := parseContent(sd.Content)
	if err != nil {
		return nil, err
	}

	form := &formXObject{ref: ref, sd: sd, ops: ops, matrix: identityMatrix, resources: resources, resValue: resValue}
	if obj, found := sd.Dict.Find("Resources"); found {
		if form.resources, err = x.pdfCtx.DereferenceDict(obj); err != nil {
			return nil, err
		}
		form.resValue = value.Key("Resources")
		form.ownRes = true
	}
	if obj, found := sd.Dict.Find("Matrix"); found {
		v, err := x.numbers(obj, 6)
		if err != nil {
			return nil, fmt.Errorf("matrix: %w", err)
		}
		form.matrix = matrix(v)
	}
	if obj, found := sd.Dict.Find("BBox"); found {
		if form.bbox, err = x.numbers(obj, 4); err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
	}

	x.forms[nr] = form
	return form, nil
}

func (x *pdfRedaction) numbers(obj types.Object, n int) ([]float64, error) {
	arr, err := x.pdfCtx.DereferenceArray(obj)
	if err != nil {
		return nil, err
	}
	if len(arr) != n {
		return nil, fmt.Errorf("want %d numbers, got %d", n, len(arr))
	}
	out := make([]float64, n)
	for i, o := range arr {
		if out[i], err = x.pdfCtx.DereferenceNumber(o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// replaceFormContent swaps the stream of a form XObject in place, so every
// reference to the form draws the rewritten content
func (x *pdfRedaction) replaceFormContent(form *formXObject, content []byte) error {
	sd, err := x.pdfCtx.NewStreamDictForBuf(content)
	if err != nil {
		return err
	}
	for k, v := range form.sd.Dict {
		switch k {
		case "Filter", "DecodeParms", "Length", "DL":
			continue
		}
		sd.Dict[k] = v
	}
	if err := sd.Encode(); err != nil {
		return err
	}

	entry, ok := x.pdfCtx.FindTableEntryForIndRef(&form.ref)
	if !ok {
		return fmt.Errorf("form object %d not found", form.ref.ObjectNumber.Value())
	}
	entry.Object = *sd
	return nil
}

// annotations redacts the normal appearance streams of the page annotations
// and drops /Contents texts that carry an entity
func (x *pdfRedaction) annotations(pageDict types.Dict, page ledpdf.Value, pageNr int) ([]models.RedactionRect, error) {
	obj, found := pageDict.Find("Annots")
	if !found {
		return nil, nil
	}
	annots, err := x.pdfCtx.DereferenceArray(obj)
	if err != nil {
		return nil, err
	}

	var rects []models.RedactionRect
	for i, o := range annots {
		annot, err := x.pdfCtx.DereferenceDict(o)
		if err != nil {
			return nil, err
		}
		if annot == nil {
			continue
		}
		value := page.Key("Annots").Index(i)

		ix := &textIndex{}
		ix.add(value.Key("Contents").Text(), true)
		for _, entity := range x.entities {
			if len(ix.find(entity)) > 0 {
				annot.Delete("Contents")
				x.changed = true
				break
			}
		}

		apObj, found := annot.Find("AP")
		if !found {
			continue
		}
		ap, err := x.pdfCtx.DereferenceDict(apObj)
		if err != nil {
			return nil, err
		}
		rectObj, found := annot.Find("Rect")
		if !found {
			continue
		}
		rect, err := x.numbers(rectObj, 4)
		if err != nil {
			return nil, fmt.Errorf("rect: %w", err)
		}

		normal := value.Key("AP").Key("N")
		var appearances []types.IndirectRef
		var values []ledpdf.Value
		switch n := ap["N"].(type) {
		case types.IndirectRef:
			if states, err := x.pdfCtx.Dereference(n); err == nil {
				if d, ok := states.(types.Dict); ok {
					for state, sref := range d {
						if r, ok := sref.(types.IndirectRef); ok {
							appearances = append(appearances, r)
							values = append(values, normal.Key(state))
						}
					}
					break
				}
			}
			appearances = append(appearances, n)
			values = append(values, normal)
		case types.Dict:
			for state, sref := range n {
				if r, ok := sref.(types.IndirectRef); ok {
					appearances = append(appearances, r)
					values = append(values, normal.Key(state))
				}
			}
		}

		for j, ref := range appearances {
			form, err := x.form(ref, values[j], nil, ledpdf.Value{})
			if err != nil {
				return nil, fmt.Errorf("appearance: %w", err)
			}
			if form == nil {
				continue
			}
			formRects, err := x.drawForm(form, form.matrix.mul(appearanceMatrix(form, rect)), nil, ledpdf.Value{}, pageNr, 0)
			if err != nil {
				return nil, err
			}
			rects = append(rects, formRects...)
		}
	}
	return rects, nil
}

// appearanceMatrix maps the transformed bounding box of an appearance stream
// onto the annotation rectangle
func appearanceMatrix(form *formXObject, rect []float64) matrix {
	llx, lly := math.Min(rect[0], rect[2]), math.Min(rect[1], rect[3])
	urx, ury := math.Max(rect[0], rect[2]), math.Max(rect[1], rect[3])
	if len(form.bbox) != 4 {
		return translation(llx, lly)
	}

	bx0, by0 := math.Inf(1), math.Inf(1)
	bx1, by1 := math.Inf(-1), math.Inf(-1)
	for _, p := range [4][2]float64{
		{form.bbox[0], form.bbox[1]}, {form.bbox[2], form.bbox[1]},
		{form.bbox[0], form.bbox[3]}, {form.bbox[2], form.bbox[3]},
	} {
		px, py := form.matrix.apply(p[0], p[1])
		bx0, by0 = math.Min(bx0, px), math.Min(by0, py)
		bx1, by1 = math.Max(bx1, px), math.Max(by1, py)
	}

	sx, sy := 1.0, 1.0
	if bx1 > bx0 {
		sx = (urx - llx) / (bx1 - bx0)
	}
	if by1 > by0 {
		sy = (ury - lly) / (by1 - by0)
	}
	return matrix{sx, 0, 0, sy, llx - bx0*sx, lly - by0*sy}
}

// fontEncoder is the text decoder of a font dictionary, raw bytes when none
func fontEncoder(v ledpdf.Value) ledpdf.TextEncoding {
	if v.IsNull() {
		return rawEncoding{}
	}
	if enc := (ledpdf.Font{V: v}).Encoder(); enc != nil {
		return enc
	}
	return rawEncoding{}
}

// streamText indexes the text shown by a form or appearance stream
func streamText(strm, resources ledpdf.Value) *textIndex {
	ix := &textIndex{}
	fonts := resources.Key("Font")
	var enc ledpdf.TextEncoding = rawEncoding{}

	ledpdf.Interpret(strm, func(stk *ledpdf.Stack, op string) {
		n := stk.Len()
		args := make([]ledpdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		switch op {
		case "Tf":
			if n == 2 {
				enc = fontEncoder(fonts.Key(args[0].Name()))
			}
		case "Tj", "'", "\"":
			if n > 0 {
				ix.add(enc.Decode(args[n-1].RawString()), true)
			}
		case "TJ":
			if n != 1 {
				return
			}
			sep := true
			for i := 0; i < args[0].Len(); i++ {
				el := args[0].Index(i)
				if el.Kind() == ledpdf.String {
					ix.add(enc.Decode(el.RawString()), sep)
					sep = false
				} else if el.Float64() <= -spaceAdjust {
					sep = true
				}
			}
		}
	})
	return ix
}

// formTexts indexes every form XObject listed in a resource dictionary,
// descending into forms that carry their own resources
func formTexts(resources ledpdf.Value, depth int) ([]*textIndex, error) {
	if depth >= maxFormDepth {
		return nil, errFormDepth
	}

	var out []*textIndex
	xobjects := resources.Key("XObject")
	for _, name := range xobjects.Keys() {
		form := xobjects.Key(name)
		if form.Kind() != ledpdf.Stream || form.Key("Subtype").Name() != "Form" {
			continue
		}
		nested, err := appearanceTexts(form, resources, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func appearanceTexts(form, resources ledpdf.Value, depth int) ([]*textIndex, error) {
	own := form.Key("Resources")
	if own.IsNull() {
		return []*textIndex{streamText(form, resources)}, nil
	}
	nested, err := formTexts(own, depth+1)
	if err != nil {
		return nil, err
	}
	return append(nested, streamText(form, own)), nil
}

// embeddedTexts indexes the text of a page that is not in its content
// stream: forms, annotation contents and annotation appearances
func embeddedTexts(page ledpdf.Page) (out []*textIndex, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pdf reader panic: %v", rec)
		}
	}()

	resources := page.Resources()
	if out, err = formTexts(resources, 0); err != nil {
		return nil, err
	}

	annots := page.V.Key("Annots")
	for i := 0; i < annots.Len(); i++ {
		annot := annots.Index(i)
		contents := &textIndex{}
		contents.add(annot.Key("Contents").Text(), true)
		out = append(out, contents)

		normal := annot.Key("AP").Key("N")
		var streams []ledpdf.Value
		switch normal.Kind() {
		case ledpdf.Stream:
			streams = append(streams, normal)
		case ledpdf.Dict:
			for _, state := range normal.Keys() {
				if s := normal.Key(state); s.Kind() == ledpdf.Stream {
					streams = append(streams, s)
				}
			}
		}
		for _, s := range streams {
			texts, err := appearanceTexts(s, ledpdf.Value{}, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, texts...)
		}
	}

	if len(out) > 0 {
		logger.Debug("Checked embedded PDF text", "streams", len(out))
	}
	return out, nil
}
