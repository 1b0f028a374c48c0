package group

// GridColumns returns the presentation grid width for n visible
// participants. Pure function of the count; the host UI owns everything
// else about layout.
func GridColumns(n int) int {
	switch {
	case n <= 1:
		return 1
	case n <= 4:
		return 2
	case n <= 9:
		return 3
	default:
		return 4
	}
}
