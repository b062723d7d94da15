package models

// FrontMatter is the structured metadata block at the top of a manuscript
type FrontMatter struct {
	Reference           string   `yaml:"reference" validate:"required"`
	Title               string   `yaml:"title" validate:"required"`
	Authors             []string `yaml:"authors"`
	Editor              *string  `yaml:"editor"`
	Tags                []string `yaml:"tags"`
	EditionDate         *string  `yaml:"edition_date"`
	Summary             *string  `yaml:"summary"`
	Introduction        *string  `yaml:"introduction"`
	CoverText           *string  `yaml:"cover_text"`
	EAN                 *string  `yaml:"ean"`
	ISBN                *string  `yaml:"isbn"`
	ResellerPaperURLs   []string `yaml:"reseller_paper_urls" validate:"dive,url"`
	ResellerDigitalURLs []string `yaml:"reseller_digital_urls" validate:"dive,url"`
}

// BookDocument is a parsed manuscript ready for ingestion
type BookDocument struct {
	FrontMatter
	Body        string // markdown body, trimmed
	Fingerprint string // digest of the raw file bytes
}

// SearchText builds the full-text projection: title, editor, authors, body
func (d *BookDocument) SearchText() string {
	editor := ""
	if d.Editor != nil {
		editor = *d.Editor
	}
	authors := ""
	for i, a := range d.Authors {
		if i > 0 {
			authors += " "
		}
		authors += a
	}
	return d.Title + " " + editor + " " + authors + " " + d.Body
}
