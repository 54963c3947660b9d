package email

import (
	"fmt"
	"strings"

	"boletin-digest/group"
	"boletin-digest/pkg/digest"

	"github.com/microcosm-cc/bluemonday"
)

// Summaries are HTML produced upstream from scraped bulletins.
var summaryPolicy = bluemonday.UGCPolicy()

const pageStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.header { border-bottom: 2px solid #1f4e79; padding-bottom: 10px; margin-bottom: 20px; }
.edition { color: #7f8c8d; font-size: 0.9em; }
.tag { margin-top: 30px; }
.tag h2 { color: #1f4e79; margin-bottom: 4px; }
.collection h3 { margin: 16px 0 4px; }
.rank h4 { color: #555; margin: 10px 0 4px; }
.doc { margin: 12px 0 18px; padding-left: 10px; border-left: 3px solid #ddd; }
.doc.alto { border-left-color: #c0392b; }
.doc.medio { border-left-color: #e67e22; }
.impact { font-size: 0.8em; font-weight: 600; text-transform: uppercase; color: #7f8c8d; }
.description { font-style: italic; }
.summary { font-size: 0.95em; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
a { color: #1f4e79; text-decoration: none; }
a:hover { text-decoration: underline; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 4px 8px; text-align: right; }
th:first-child, td:first-child { text-align: left; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.doc { border-left-color: #444; }
.footer { border-top-color: #444; color: #a0a0a0; }
a { color: #7fb3e0; }
}
`

func writeHead(b *strings.Builder, title string) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"es\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	fmt.Fprintf(b, "<title>%s</title>\n", escapeHTML(title))
	b.WriteString("<style>\n")
	b.WriteString(pageStyle)
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) formatDigestBody(d *Digest) string {
	var b strings.Builder
	writeHead(&b, d.subject())

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h1>Boletín normativo del %s</h1>\n", d.Date.Format("02/01/2006"))
	if d.Supplementary {
		b.WriteString("<div class=\"edition\">Edición complementaria con las publicaciones posteriores al último envío.</div>\n")
	}
	if name := strings.TrimSpace(d.User.Name); name != "" {
		fmt.Fprintf(&b, "<p>Hola %s,</p>\n", escapeHTML(name))
	}
	b.WriteString("</div>\n")

	if len(d.Tags) > 0 {
		for _, tg := range d.Tags {
			b.WriteString("<div class=\"tag\">\n")
			fmt.Fprintf(&b, "<h2>%s <small>(%d)</small></h2>\n", escapeHTML(tg.Tag), tg.Count())
			for _, cg := range tg.Collections {
				b.WriteString("<div class=\"collection\">\n")
				fmt.Fprintf(&b, "<h3>%s</h3>\n", escapeHTML(cg.Name))
				writeRanks(&b, cg.Ranks)
				b.WriteString("</div>\n")
			}
			b.WriteString("</div>\n")
		}
	} else {
		b.WriteString("<p>Hoy no hemos encontrado publicaciones que coincidan con tus etiquetas.</p>\n")
		if len(d.General) > 0 {
			fmt.Fprintf(&b, "<p>Estas son las disposiciones generales publicadas en el %s:</p>\n", escapeHTML(d.GeneralSource))
			writeRanks(&b, d.General)
		} else {
			fmt.Fprintf(&b, "<p>Tampoco hay disposiciones generales publicadas hoy en el %s.</p>\n", escapeHTML(d.GeneralSource))
		}
	}

	b.WriteString("<div class=\"footer\">\n")
	if s.appURL != "" {
		fmt.Fprintf(&b, "<a href=\"%s\">Gestionar etiquetas y fuentes</a>\n", escapeHTML(s.appURL))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeRanks(b *strings.Builder, ranks []group.RankGroup) {
	for _, rg := range ranks {
		b.WriteString("<div class=\"rank\">\n")
		fmt.Fprintf(b, "<h4>%s</h4>\n", escapeHTML(rg.Name))
		for _, e := range rg.Docs {
			writeEntry(b, e)
		}
		b.WriteString("</div>\n")
	}
}

func writeEntry(b *strings.Builder, e group.Entry) {
	class := "doc"
	if e.Impact == digest.ImpactHigh || e.Impact == digest.ImpactMedium {
		class += " " + string(e.Impact)
	}
	fmt.Fprintf(b, "<div class=\"%s\">\n", class)

	title := e.Doc.Title
	if title == "" {
		title = e.Doc.ID
	}
	if e.Doc.URL != "" {
		fmt.Fprintf(b, "<a href=\"%s\"><strong>%s</strong></a>\n", escapeHTML(e.Doc.URL), escapeHTML(title))
	} else {
		fmt.Fprintf(b, "<strong>%s</strong>\n", escapeHTML(title))
	}
	if e.Impact != "" {
		fmt.Fprintf(b, "<div class=\"impact\">Impacto %s</div>\n", escapeHTML(string(e.Impact)))
	}
	if e.Description != "" {
		fmt.Fprintf(b, "<div class=\"description\">%s</div>\n", escapeHTML(e.Description))
	}
	if summary := strings.TrimSpace(summaryPolicy.Sanitize(e.Doc.Summary)); summary != "" {
		fmt.Fprintf(b, "<div class=\"summary\">%s</div>\n", summary)
	}
	b.WriteString("</div>\n")
}

func formatReportBody(r *Report) string {
	var b strings.Builder
	writeHead(&b, r.subject())

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h1>Informe de ejecución (%s)</h1>\n", escapeHTML(string(r.Environment)))
	fmt.Fprintf(&b, "<div class=\"edition\">Ventana %s &rarr; %s</div>\n",
		r.From.Format("02/01/2006 15:04"), r.To.Format("02/01/2006 15:04"))
	b.WriteString("</div>\n")

	b.WriteString("<h2>Envíos</h2>\n<ul>\n")
	fmt.Fprintf(&b, "<li>Con coincidencias: %d</li>\n", r.Delivered)
	fmt.Fprintf(&b, "<li>Sin coincidencias: %d</li>\n", r.NoMatch)
	fmt.Fprintf(&b, "<li>Omitidos: %d</li>\n", r.Skipped)
	fmt.Fprintf(&b, "<li>Fallidos: %d</li>\n", len(r.Failures))
	if r.Supplementary {
		b.WriteString("<li>Edición complementaria</li>\n")
	}
	b.WriteString("</ul>\n")

	if len(r.Failures) > 0 {
		b.WriteString("<h3>Fallos</h3>\n<ul>\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "<li>%s</li>\n", escapeHTML(f))
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("<h2>Ingesta</h2>\n")
	if r.Stats == nil || r.Stats.NoData {
		b.WriteString("<p>Sin datos de ingesta para esta ventana.</p>\n")
	} else {
		b.WriteString("<table>\n<tr><th>Fuente</th><th>Extraídos</th><th>Nuevos</th><th>Procesados</th><th>Subidos</th><th>Etiquetas</th><th>Tokens entrada</th><th>Tokens salida</th><th>Coste</th><th>Errores</th></tr>\n")
		for _, name := range r.Stats.Names() {
			rec := r.Stats.Collections[name]
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%.4f €</td><td>%d</td></tr>\n",
				escapeHTML(name), rec.DocsScraped, rec.DocsNew, rec.DocsProcessed, rec.DocsUploaded,
				rec.TagsFound, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.ErrorCount)
		}
		total := r.Stats.Totals()
		fmt.Fprintf(&b, "<tr><th>Total</th><th>%d</th><th>%d</th><th>%d</th><th>%d</th><th>%d</th><th>%d</th><th>%d</th><th>%.4f €</th><th>%d</th></tr>\n",
			total.DocsScraped, total.DocsNew, total.DocsProcessed, total.DocsUploaded,
			total.TagsFound, total.InputTokens, total.OutputTokens, total.Cost, total.ErrorCount)
		b.WriteString("</table>\n")

		b.WriteString("<h3>Errores</h3>\n")
		writeEntries(&b, total.Errors, "Sin errores.")
		b.WriteString("<h3>Avisos</h3>\n")
		writeEntries(&b, total.Warnings, "Sin avisos.")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeEntries(b *strings.Builder, entries []digest.ErrorEntry, empty string) {
	if len(entries) == 0 {
		fmt.Fprintf(b, "<p>%s</p>\n", empty)
		return
	}
	b.WriteString("<ul>\n")
	for _, e := range entries {
		if e.DocumentID != "" {
			fmt.Fprintf(b, "<li>%s (%s): %s</li>\n", escapeHTML(e.Collection), escapeHTML(e.DocumentID), escapeHTML(e.Message))
		} else {
			fmt.Fprintf(b, "<li>%s: %s</li>\n", escapeHTML(e.Collection), escapeHTML(e.Message))
		}
	}
	b.WriteString("</ul>\n")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
