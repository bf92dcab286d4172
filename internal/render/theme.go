package render

// Theme holds colors for CFG and call graph rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Edge colors by kind.
	EdgeTaken       string // conditional branch taken
	EdgeFallthrough string // conditional branch not taken
	EdgeDirect      string // unconditional and call-return edges
	EdgeGhost       string // ghost successors (dead code)
	EdgeData        string // block to owned data block

	// Node accents.
	EntryBorder  string // function entry block
	ReturnFill   string // blocks that return
	DeadFill     string // blocks attached as dead code
	DataFill     string // padding, jump tables, surrounded data
	ExternalText string // call targets outside the function
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeTaken:       "#0B3D91", // NASA blue
	EdgeFallthrough: "#FC3D21", // NASA red
	EdgeDirect:      "#424242", // dark gray
	EdgeGhost:       "#9E9E9E", // gray
	EdgeData:        "#00695C", // teal

	EntryBorder:  "#0B3D91",
	ReturnFill:   "#ECEFF1", // blue-gray 50
	DeadFill:     "#FFF3E0", // orange 50
	DataFill:     "#E0F2F1", // teal 50
	ExternalText: "#9E9E9E",
}
