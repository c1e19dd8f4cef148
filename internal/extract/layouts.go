package extract

// NavarraLayout covers the procedure pages of the Navarra government portal.
// Each section sits in an #info* container whose first child div holds the text.
var NavarraLayout = Layout{
	Name:  "navarra.es",
	Hosts: []string{"navarra.es"},
	Rules: map[Section]SectionRule{
		SectionDescription: {
			Selectors: []string{"#infoDescripcion > div:nth-child(1)", "#infoDescripcion"},
			Labels:    []string{"descripcion", "en que consiste", "objeto"},
			IDHints:   []string{"descripcion", "descrip"},
		},
		SectionEligibility: {
			Selectors: []string{"#infoDirigido > div:nth-child(1)", "#infoDirigido"},
			Labels:    []string{"dirigido a", "destinatarios", "quien puede solicitar", "requisitos"},
			IDHints:   []string{"dirigido", "destinatario"},
		},
		SectionDocumentation: {
			Selectors: []string{"#infoDocu > div:nth-child(1)", "#infoDocu"},
			Labels:    []string{"documentacion", "documentos a presentar"},
			IDHints:   []string{"docu"},
		},
		SectionRegulation: {
			Selectors: []string{"#infoNormativa > div:nth-child(1)", "#infoNormativa"},
			Labels:    []string{"normativa", "legislacion"},
			IDHints:   []string{"normativa"},
		},
		SectionOutcomes: {
			Selectors: []string{"#infoResultados > div:nth-child(1)", "#infoResultados"},
			Labels:    []string{"resultados", "resolucion", "que se obtiene"},
			IDHints:   []string{"resultado"},
		},
		SectionOther: {
			Selectors: []string{"#infoOtros > div:nth-child(1)", "#infoOtros"},
			Labels:    []string{"otros datos", "otra informacion", "observaciones"},
			IDHints:   []string{"otros"},
		},
	},
}
