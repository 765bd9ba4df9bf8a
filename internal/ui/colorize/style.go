package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"

	hstyles "hutch/internal/hutch/styles"
)

// ListingDark maps the nasm lexer's token classes onto the listing palette.
var ListingDark = styles.Register(chroma.MustNewStyle("hutch-dark", chroma.StyleEntries{
	chroma.Text:       hstyles.Mnemonic,
	chroma.Background: "bg:#1e1e1e",
	chroma.Comment:    hstyles.Comment,

	chroma.Keyword:       hstyles.Mnemonic,
	chroma.KeywordPseudo: hstyles.Mnemonic,
	chroma.NameFunction:  hstyles.Mnemonic, // nasm tokenizes mnemonics as functions
	chroma.Name:          hstyles.Register,
	chroma.NameBuiltin:   hstyles.Register,
	chroma.NameVariable:  hstyles.Register,
	chroma.NameLabel:     hstyles.Symbol,

	chroma.LiteralNumber:        hstyles.Number,
	chroma.LiteralNumberHex:     hstyles.Number,
	chroma.LiteralNumberBin:     hstyles.Number,
	chroma.LiteralNumberOct:     hstyles.Number,
	chroma.LiteralNumberInteger: hstyles.Number,

	chroma.Operator:    hstyles.Mnemonic,
	chroma.Punctuation: hstyles.Mnemonic,
	chroma.String:      hstyles.Symbol,
}))
