package main

import "strings"

const (
	unknownName        = "no/unknown name"
	defaultCreditLabel = "image source"
	unknownCredit      = "image source somehow unknown"
)

// BuildPopup renders the popup markup of a record. Every value taken from the record
// is escaped exactly once; only the surrounding tags are trusted markup.
func BuildPopup(rec PointRecord) string {
	var b strings.Builder

	name := rec.Name
	if name == "" {
		name = unknownName
	}
	b.WriteString("<b>")
	b.WriteString(EscapeHTML(name))
	b.WriteString("</b><br />")

	if line := descriptiveLine(rec); line != "" {
		b.WriteString("<i>")
		b.WriteString(EscapeHTML(line))
		b.WriteString("</i><br />")
	}

	if rec.Image != nil {
		b.WriteString(`<img src="`)
		b.WriteString(EscapeHTML(rec.Image.URL))
		b.WriteString(`" class="embed-image"/><br /><p>`)
		b.WriteString(imageCredit(rec.Image))
		b.WriteString("</p><br />")
	} else {
		b.WriteString("<p><i>No image</i></p><br />")
	}

	b.WriteString(`<a href="`)
	b.WriteString(EscapeHTML(rec.SourceURL))
	b.WriteString(`">Data source</a>`)

	return b.String()
}

func descriptiveLine(rec PointRecord) string {
	switch {
	case rec.Nature != "" && rec.LocationName != "":
		return rec.Nature + " — " + rec.LocationName
	case rec.Nature != "":
		return rec.Nature
	default:
		return rec.LocationName
	}
}

func imageCredit(img *ImageSource) string {
	if img.CreditURL != "" {
		label := img.CreditText
		if label == "" {
			label = defaultCreditLabel
		}
		return `<a href="` + EscapeHTML(img.CreditURL) + `">` + EscapeHTML(label) + "</a>"
	}
	if img.CreditText != "" {
		return EscapeHTML(img.CreditText)
	}
	return unknownCredit
}
