package domain

// Palette is the cursor color wheel. Seats take colors round-robin, so two
// members only share a color once the wheel wraps.
var Palette = []string{
	"#F44336",
	"#2196F3",
	"#4CAF50",
	"#FF9800",
	"#9C27B0",
	"#00BCD4",
	"#FFC107",
	"#E91E63",
}

func ColorFor(seat int) string {
	if seat < 0 {
		seat = 0
	}
	return Palette[seat%len(Palette)]
}
