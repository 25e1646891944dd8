package services

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"unicode"

	"pii-redactor/models"

	"github.com/go-pdf/fpdf"
	ledpdf "github.com/ledongthuc/pdf"
)

// Locating PII on a PDF page. Text operators are interpreted with the page's
// fonts (decoded through ledongthuc/pdf encoders) so that every glyph is
// known by its bytes, its decoded text and its box in user space.

// standardFonts maps standard-14 base font names to fpdf core families
var standardFonts = map[string][2]string{
	"Helvetica":             {"Helvetica", ""},
	"Helvetica-Bold":        {"Helvetica", "B"},
	"Helvetica-Oblique":     {"Helvetica", "I"},
	"Helvetica-BoldOblique": {"Helvetica", "BI"},
	"Arial":                 {"Helvetica", ""},
	"Arial,Bold":            {"Helvetica", "B"},
	"Arial,Italic":          {"Helvetica", "I"},
	"Arial,BoldItalic":      {"Helvetica", "BI"},
	"Times-Roman":           {"Times", ""},
	"Times-Bold":            {"Times", "B"},
	"Times-Italic":          {"Times", "I"},
	"Times-BoldItalic":      {"Times", "BI"},
	"Courier":               {"Courier", ""},
	"Courier-Bold":          {"Courier", "B"},
	"Courier-Oblique":       {"Courier", "I"},
	"Courier-BoldOblique":   {"Courier", "BI"},
	"Symbol":                {"Symbol", ""},
	"ZapfDingbats":          {"ZapfDingbats", ""},
}

// coreMetrics serves glyph widths (1/1000 em) of the standard-14 fonts, which
// PDFs usually reference without a /Widths array.
type coreMetrics struct {
	mu     sync.Mutex
	pdf    *fpdf.Fpdf
	tables map[string]*[256]float64
}

func newCoreMetrics() *coreMetrics {
	return &coreMetrics{tables: make(map[string]*[256]float64)}
}

func (m *coreMetrics) table(baseFont string) *[256]float64 {
	family, ok := standardFonts[baseFont]
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tables[baseFont]; ok {
		return t
	}
	if m.pdf == nil {
		m.pdf = fpdf.New("P", "pt", "A4", "")
	}
	m.pdf.SetFont(family[0], family[1], 10)
	if m.pdf.Err() {
		m.pdf.ClearError()
		return nil
	}

	t := new([256]float64)
	for c := 1; c < 256; c++ {
		t[c] = float64(m.pdf.GetStringSymbolWidth(string([]byte{byte(c)})))
	}
	m.tables[baseFont] = t
	return t
}

type rawEncoding struct{}

func (rawEncoding) Decode(raw string) string { return raw }

// pdfFont is a page font as far as locating text needs it. split is set when
// codes are single bytes with known widths, so individual glyphs can be cut
// out of a string; otherwise the whole string is treated as one unit.
type pdfFont struct {
	enc    ledpdf.TextEncoding
	split  bool
	first  int
	widths []float64
	core   *[256]float64
}

func (f *pdfFont) width(code byte) float64 {
	if f.core != nil {
		return f.core[code]
	}
	if i := int(code) - f.first; i >= 0 && i < len(f.widths) {
		return f.widths[i]
	}
	return 0
}

func (f *pdfFont) decode(raw []byte) string {
	return f.enc.Decode(string(raw))
}

// pageFonts resolves font names against the /Font dictionary of a page or
// form XObject resource dictionary
type pageFonts struct {
	fonts   ledpdf.Value
	metrics *coreMetrics
	cache   map[string]*pdfFont
}

func newPageFonts(resources ledpdf.Value, metrics *coreMetrics) *pageFonts {
	return &pageFonts{fonts: resources.Key("Font"), metrics: metrics, cache: make(map[string]*pdfFont)}
}

func (pf *pageFonts) lookup(name string) *pdfFont {
	if f, ok := pf.cache[name]; ok {
		return f
	}
	f := pf.load(name)
	pf.cache[name] = f
	return f
}

func (pf *pageFonts) load(name string) (font *pdfFont) {
	font = &pdfFont{enc: rawEncoding{}}
	defer func() {
		// malformed font dictionaries make ledongthuc panic
		if r := recover(); r != nil {
			font = &pdfFont{enc: rawEncoding{}}
		}
	}()

	lf := ledpdf.Font{V: pf.fonts.Key(name)}
	if lf.V.IsNull() {
		return font
	}
	if enc := lf.Encoder(); enc != nil {
		font.enc = enc
	}

	switch lf.V.Key("Subtype").Name() {
	case "Type0", "Type3":
		return font
	}
	if w := lf.Widths(); len(w) > 0 {
		font.first = lf.FirstChar()
		font.widths = w
		font.split = true
		return font
	}

	base := lf.BaseFont()
	if i := strings.Index(base, "+"); i >= 0 {
		base = base[i+1:]
	}
	if t := pf.metrics.table(base); t != nil {
		font.core = t
		font.split = true
	}
	return font
}

// glyph is one character code of a shown string. advance is its horizontal
// displacement in text space.
type glyph struct {
	raw     []byte
	text    string
	advance float64
	box     models.RedactionRect
	removed bool
}

// showElem is a string (glyphs) or a TJ position adjustment
type showElem struct {
	isText bool
	adjust float64
	glyphs []*glyph
}

// textShow is one text-showing operator (Tj, TJ, ' or ")
type textShow struct {
	index    int
	split    bool
	fontSize float64
	scale    float64
	elems    []showElem
}

func (s *textShow) touched() bool {
	for _, el := range s.elems {
		for _, g := range el.glyphs {
			if g.removed {
				return true
			}
		}
	}
	return false
}

type textState struct {
	ctm       matrix
	font      *pdfFont
	size      float64
	charSpace float64
	wordSpace float64
	scale     float64
	leading   float64
	rise      float64
}

// formUse is a Do operator with the CTM in effect when it ran
type formUse struct {
	name string
	ctm  matrix
}

// textLayout is every text-showing operator of one content stream in order,
// plus the XObjects the stream draws
type textLayout struct {
	shows []*textShow
	forms []formUse
}

func numberArgs(args []operand, n int) ([]float64, bool) {
	if len(args) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, a := range args {
		if a.kind != operandNumber {
			return nil, false
		}
		out[i] = a.num
	}
	return out, true
}

// layoutText interprets the text operators of a content stream drawn with the
// given initial CTM
func layoutText(ops []contentOp, fonts *pageFonts, ctm matrix) *textLayout {
	st := textState{ctm: ctm, scale: 1, font: &pdfFont{enc: rawEncoding{}}}
	var stack []textState
	tm, tlm := identityMatrix, identityMatrix
	layout := &textLayout{}

	nextLine := func() {
		tlm = translation(0, -st.leading).mul(tlm)
		tm = tlm
	}

	for i, op := range ops {
		args := op.operands
		switch op.op {
		case "q":
			stack = append(stack, st)
		case "Q":
			if n := len(stack); n > 0 {
				st = stack[n-1]
				stack = stack[:n-1]
			}
		case "cm":
			if v, ok := numberArgs(args, 6); ok {
				st.ctm = matrix(v).mul(st.ctm)
			}
		case "Do":
			if len(args) == 1 && args[0].kind == operandName {
				layout.forms = append(layout.forms, formUse{name: args[0].name, ctm: st.ctm})
			}
		case "BT":
			tm, tlm = identityMatrix, identityMatrix
		case "Tf":
			if len(args) == 2 && args[0].kind == operandName && args[1].kind == operandNumber {
				st.font = fonts.lookup(args[0].name)
				st.size = args[1].num
			}
		case "Tc", "Tw", "Tz", "TL", "Ts":
			v, ok := numberArgs(args, 1)
			if !ok {
				continue
			}
			switch op.op {
			case "Tc":
				st.charSpace = v[0]
			case "Tw":
				st.wordSpace = v[0]
			case "Tz":
				st.scale = v[0] / 100
			case "TL":
				st.leading = v[0]
			case "Ts":
				st.rise = v[0]
			}
		case "Td", "TD":
			if v, ok := numberArgs(args, 2); ok {
				if op.op == "TD" {
					st.leading = -v[1]
				}
				tlm = translation(v[0], v[1]).mul(tlm)
				tm = tlm
			}
		case "Tm":
			if v, ok := numberArgs(args, 6); ok {
				tm, tlm = matrix(v), matrix(v)
			}
		case "T*":
			nextLine()
		case "Tj", "'", "\"":
			want := 1
			if op.op == "\"" {
				want = 3
			}
			if len(args) != want || args[want-1].kind != operandString {
				continue
			}
			if op.op == "\"" {
				if args[0].kind != operandNumber || args[1].kind != operandNumber {
					continue
				}
				st.wordSpace, st.charSpace = args[0].num, args[1].num
			}
			if op.op != "Tj" {
				nextLine()
			}
			show := layout.begin(i, &st)
			tm = show.addString(args[want-1].str, tm, &st)
		case "TJ":
			if len(args) != 1 || args[0].kind != operandArray {
				continue
			}
			show := layout.begin(i, &st)
			for _, el := range args[0].elems {
				switch el.kind {
				case operandString:
					tm = show.addString(el.str, tm, &st)
				case operandNumber:
					show.elems = append(show.elems, showElem{adjust: el.num})
					tm = translation(-el.num/1000*st.size*st.scale, 0).mul(tm)
				}
			}
		}
	}
	return layout
}

func (l *textLayout) begin(index int, st *textState) *textShow {
	show := &textShow{index: index, split: st.font.split, fontSize: st.size, scale: st.scale}
	l.shows = append(l.shows, show)
	return show
}

// addString records the glyphs of str and returns the text matrix after them
func (s *textShow) addString(str []byte, tm matrix, st *textState) matrix {
	el := showElem{isText: true}
	font := st.font

	if !s.split {
		text := font.decode(str)
		// Unknown metrics: assume a full em per character.
		n := max(len([]rune(text)), len(str)/2, 1)
		advance := float64(n) * st.size * st.scale
		el.glyphs = append(el.glyphs, &glyph{
			raw:     str,
			text:    text,
			advance: advance,
			box:     glyphBox(tm, st, advance),
		})
		s.elems = append(s.elems, el)
		return translation(advance, 0).mul(tm)
	}

	for _, code := range str {
		w := font.width(code) / 1000 * st.size
		advance := w + st.charSpace
		if code == ' ' {
			advance += st.wordSpace
		}
		advance *= st.scale
		el.glyphs = append(el.glyphs, &glyph{
			raw:     []byte{code},
			text:    font.decode([]byte{code}),
			advance: advance,
			box:     glyphBox(tm, st, math.Max(advance, w*st.scale)),
		})
		tm = translation(advance, 0).mul(tm)
	}
	s.elems = append(s.elems, el)
	return tm
}

// glyphBox maps a glyph cell from text space to user space. The cell spans
// from below the baseline (descenders) to the top of the em square.
func glyphBox(tm matrix, st *textState, width float64) models.RedactionRect {
	m := tm.mul(st.ctm)
	lo := st.rise - 0.25*st.size
	hi := st.rise + 0.95*st.size

	box := models.RedactionRect{LLX: math.Inf(1), LLY: math.Inf(1), URX: math.Inf(-1), URY: math.Inf(-1)}
	for _, p := range [4][2]float64{{0, lo}, {width, lo}, {0, hi}, {width, hi}} {
		x, y := m.apply(p[0], p[1])
		box.LLX = math.Min(box.LLX, x)
		box.LLY = math.Min(box.LLY, y)
		box.URX = math.Max(box.URX, x)
		box.URY = math.Max(box.URY, y)
	}
	return box
}

// spaceAdjust is the TJ adjustment (thousandths of an em) from which a gap
// between two strings is read as a word break
const spaceAdjust = 250

// compactText lowercases s and drops whitespace, so matching tolerates line
// breaks, spacing and case differences between extraction and page content.
func compactText(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		out = append(out, unicode.ToLower(r))
	}
	return out
}

// textIndex is shown text in compactText form. breaks[i] records that
// whitespace or a gap between strings came before runes[i]; shown keeps the
// original case.
type textIndex struct {
	runes   []rune
	shown   []rune
	breaks  []bool
	pending bool
}

// add appends s and returns the number of runes it contributed. sep marks s
// as starting after a gap.
func (ix *textIndex) add(s string, sep bool) int {
	if sep {
		ix.pending = true
	}
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			ix.pending = true
			continue
		}
		ix.runes = append(ix.runes, unicode.ToLower(r))
		ix.shown = append(ix.shown, r)
		ix.breaks = append(ix.breaks, ix.pending)
		ix.pending = false
		n++
	}
	return n
}

// text renders the indexed text with a single space at every break
func (ix *textIndex) text() string {
	var sb strings.Builder
	for i, r := range ix.shown {
		if i > 0 && ix.breaks[i] {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// boundary reports whether a word may start or end before runes[i]
func (ix *textIndex) boundary(i int) bool {
	if i <= 0 || i >= len(ix.runes) {
		return true
	}
	return ix.breaks[i] || !isWordRune(ix.runes[i-1]) || !isWordRune(ix.runes[i])
}

// find returns the start of every occurrence of entity that neither begins
// nor ends inside a word, so "Tom" does not match in "Tomorrow".
func (ix *textIndex) find(entity string) []int {
	needle := compactText(entity)
	if len(needle) == 0 {
		return nil
	}
	var starts []int
	for i := 0; i+len(needle) <= len(ix.runes); i++ {
		if slices.Equal(ix.runes[i:i+len(needle)], needle) && ix.boundary(i) && ix.boundary(i+len(needle)) {
			starts = append(starts, i)
		}
	}
	return starts
}

// mark flags every glyph that contributes to an occurrence of an entity and
// returns the number of occurrences found
func (l *textLayout) mark(entities []string) int {
	ix := &textIndex{}
	var owners []*glyph
	for _, s := range l.shows {
		sep := true
		for _, el := range s.elems {
			if !el.isText {
				if el.adjust <= -spaceAdjust {
					sep = true
				}
				continue
			}
			for _, g := range el.glyphs {
				for range ix.add(g.text, sep) {
					owners = append(owners, g)
				}
				sep = false
			}
		}
	}

	found := 0
	for _, entity := range entities {
		n := len(compactText(entity))
		for _, i := range ix.find(entity) {
			for _, g := range owners[i : i+n] {
				g.removed = true
			}
			found++
		}
	}

	// Strings that cannot be cut glyph by glyph go as a whole.
	for _, s := range l.shows {
		if s.split || !s.touched() {
			continue
		}
		for _, el := range s.elems {
			for _, g := range el.glyphs {
				g.removed = true
			}
		}
	}
	return found
}

// rects returns one rectangle per run of consecutive removed glyphs
func (l *textLayout) rects(page int) []models.RedactionRect {
	var out []models.RedactionRect
	for _, s := range l.shows {
		var cur *models.RedactionRect
		for _, el := range s.elems {
			for _, g := range el.glyphs {
				if !g.removed {
					if cur != nil {
						out = append(out, *cur)
						cur = nil
					}
					continue
				}
				if cur == nil {
					r := g.box
					r.Page = page
					cur = &r
					continue
				}
				cur.LLX = math.Min(cur.LLX, g.box.LLX)
				cur.LLY = math.Min(cur.LLY, g.box.LLY)
				cur.URX = math.Max(cur.URX, g.box.URX)
				cur.URY = math.Max(cur.URY, g.box.URY)
			}
		}
		if cur != nil {
			out = append(out, *cur)
		}
	}
	return out
}

// rewrite serializes the content stream with removed glyphs cut out of their
// operators. Removed glyphs are replaced by an equal TJ displacement so the
// remaining text keeps its position.
func (l *textLayout) rewrite(ops []contentOp) []byte {
	changed := make(map[int]*textShow)
	for _, s := range l.shows {
		if s.touched() {
			changed[s.index] = s
		}
	}

	var buf bytes.Buffer
	for i, op := range ops {
		if s, ok := changed[i]; ok {
			s.write(&buf, op)
		} else {
			buf.Write(op.raw)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (s *textShow) write(buf *bytes.Buffer, op contentOp) {
	switch op.op {
	case "'":
		buf.WriteString("T* ")
	case "\"":
		fmt.Fprintf(buf, "%s Tw %s Tc T* ", formatNumber(op.operands[0].num), formatNumber(op.operands[1].num))
	}
	if !s.split {
		return
	}

	unit := s.fontSize * s.scale
	buf.WriteByte('[')
	for _, el := range s.elems {
		if !el.isText {
			buf.WriteString(formatNumber(el.adjust))
			buf.WriteByte(' ')
			continue
		}

		var kept []byte
		skipped := 0.0
		flush := func() {
			if len(kept) > 0 {
				writeHexString(buf, kept)
				buf.WriteByte(' ')
				kept = nil
			}
			if skipped != 0 && unit != 0 {
				buf.WriteString(formatNumber(-skipped * 1000 / unit))
				buf.WriteByte(' ')
			}
			skipped = 0
		}
		for _, g := range el.glyphs {
			if g.removed {
				if len(kept) > 0 {
					flush()
				}
				skipped += g.advance
				continue
			}
			if skipped != 0 {
				flush()
			}
			kept = append(kept, g.raw...)
		}
		flush()
	}
	buf.WriteString("] TJ")
}

// openPDF opens a PDF for reading with ledongthuc/pdf
func openPDF(data []byte) (r *ledpdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pdf reader panic: %v", rec)
		}
	}()
	return ledpdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// pageGlyphs returns the positioned glyphs of page num
func pageGlyphs(r *ledpdf.Reader, num int) (texts []ledpdf.Text, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: %v", num, rec)
		}
	}()
	page := r.Page(num)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d not found", num)
	}
	return page.Content().Text, nil
}

var errPIIRemains = errors.New("pii still extractable after redaction")

// glyphIndex indexes positioned glyphs, reading a word break wherever the next
// glyph does not continue the previous one on the same line
func glyphIndex(texts []ledpdf.Text) *textIndex {
	ix := &textIndex{}
	for i, t := range texts {
		sep := i == 0
		if i > 0 {
			prev := texts[i-1]
			size := math.Max(prev.FontSize, 1)
			sep = math.Abs(t.Y-prev.Y) > 0.5*size || t.X > prev.X+prev.W+0.25*size
		}
		ix.add(t.S, sep)
	}
	return ix
}

// verifyRedacted re-reads a rendered PDF and fails if any entity can still be
// extracted from any page, including the form XObjects and annotation
// appearances it draws.
func verifyRedacted(data []byte, entities []string) error {
	r, err := openPDF(data)
	if err != nil {
		return err
	}
	for num := 1; num <= r.NumPage(); num++ {
		texts, err := pageGlyphs(r, num)
		if err != nil {
			return err
		}
		embedded, err := embeddedTexts(r.Page(num))
		if err != nil {
			return fmt.Errorf("page %d: %w", num, err)
		}
		indexes := append([]*textIndex{glyphIndex(texts)}, embedded...)
		for _, entity := range entities {
			for _, ix := range indexes {
				if len(ix.find(entity)) > 0 {
					return fmt.Errorf("%w: page %d", errPIIRemains, num)
				}
			}
		}
	}
	return nil
}
